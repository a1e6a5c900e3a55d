package settings

import (
	"net/url"
	"time"

	"github.com/chanhsu001/ckb/chaincfg"
)

type HeaderPoolSettings struct {
	MaxOrphanHeaders int
	OrphanTTL        time.Duration
}

type DownloaderSettings struct {
	MaxInFlightPerPeer int
	MaxInFlightTotal   int
	RequestTimeout     time.Duration
	RetryLimit         int
}

type RelaySettings struct {
	RecentBlockCacheSize     int
	RecentTxCacheSize        int
	ReconstructionRetryLimit int
}

type SyncSettings struct {
	HeadersBatchSize int
	LocatorCap       int
	PeerIdleTimeout  time.Duration
	TickerInterval   time.Duration
}

type ChainSettings struct {
	StoreURL           *url.URL
	MaxCriticalFaults  int
	NotificationBuffer int
}

type BlockValidationSettings struct {
	MaxVerifyConcurrency int
	FailFast             bool
}

type P2PSettings struct {
	BanThreshold    int
	BanDuration     time.Duration
	MessageQueueLen int
	WorkerCount     int
}

type Settings struct {
	ClientName      string
	DataFolder      string
	ChainCfgParams  *chaincfg.Params
	HeaderPool      HeaderPoolSettings
	Downloader      DownloaderSettings
	Relay           RelaySettings
	Sync            SyncSettings
	Chain           ChainSettings
	BlockValidation BlockValidationSettings
	P2P             P2PSettings
}

func NewSettings() *Settings {
	params, err := chaincfg.GetChainParams(getString("network", "mainnet"))
	if err != nil {
		panic(err)
	}

	return &Settings{
		ClientName:     getString("clientName", "ckb-node"),
		DataFolder:     getString("dataFolder", "data"),
		ChainCfgParams: params,
		HeaderPool: HeaderPoolSettings{
			MaxOrphanHeaders: getInt("headerpool_maxOrphanHeaders", 10240),
			OrphanTTL:        getDuration("headerpool_orphanTTL", 15*time.Minute),
		},
		Downloader: DownloaderSettings{
			MaxInFlightPerPeer: getInt("downloader_maxInFlightPerPeer", 16),
			MaxInFlightTotal:   getInt("downloader_maxInFlightTotal", 128),
			RequestTimeout:     getDuration("downloader_requestTimeout", 30*time.Second),
			RetryLimit:         getInt("downloader_retryLimit", 3),
		},
		Relay: RelaySettings{
			RecentBlockCacheSize:     getInt("relay_recentBlockCacheSize", 1024),
			RecentTxCacheSize:        getInt("relay_recentTxCacheSize", 65536),
			ReconstructionRetryLimit: getInt("relay_reconstructionRetryLimit", 2),
		},
		Sync: SyncSettings{
			HeadersBatchSize: getInt("sync_headersBatchSize", 2000),
			LocatorCap:       getInt("sync_locatorCap", 32),
			PeerIdleTimeout:  getDuration("sync_peerIdleTimeout", 3*time.Minute),
			TickerInterval:   getDuration("sync_tickerInterval", 30*time.Second),
		},
		Chain: ChainSettings{
			StoreURL:           getURL("chain_store", "memory:///"),
			MaxCriticalFaults:  getInt("chain_maxCriticalFaults", 3),
			NotificationBuffer: getInt("chain_notificationBuffer", 128),
		},
		BlockValidation: BlockValidationSettings{
			MaxVerifyConcurrency: getInt("blockvalidation_maxVerifyConcurrency", 8),
			FailFast:             getBool("blockvalidation_failFast", true),
		},
		P2P: P2PSettings{
			BanThreshold:    getInt("p2p_banThreshold", 100),
			BanDuration:     getDuration("p2p_banDuration", 24*time.Hour),
			MessageQueueLen: getInt("p2p_messageQueueLen", 1024),
			WorkerCount:     getInt("p2p_workerCount", 8),
		},
	}
}

// NewTestSettings returns settings bound to the regression chain params,
// suitable for unit tests without gocore configuration.
func NewTestSettings() *Settings {
	s := NewSettings()
	s.ChainCfgParams = &chaincfg.RegressionParams

	return s
}

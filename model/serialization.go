package model

import (
	"encoding/binary"

	"github.com/chanhsu001/ckb/errors"
)

// Wire layout for a full block: header (fixed size), then length-prefixed
// transactions, proposals and uncles. All integers little endian.

func (b *Block) Bytes() []byte {
	buf := make([]byte, 0, b.SerializeSize()+64)

	buf = append(buf, b.Header.Bytes()...)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b.Transactions)))
	for _, tx := range b.Transactions {
		txBytes := tx.Bytes()
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(txBytes)))
		buf = append(buf, txBytes...)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b.Proposals)))
	for _, id := range b.Proposals {
		buf = append(buf, id[:]...)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b.Uncles)))
	for _, uncle := range b.Uncles {
		buf = append(buf, uncle.Header.Bytes()...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(uncle.Proposals)))
		for _, id := range uncle.Proposals {
			buf = append(buf, id[:]...)
		}
	}

	return buf
}

type byteReader struct {
	buf []byte
	off int
}

func (r *byteReader) take(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, errors.NewBlockMalformedError("truncated block bytes at offset %d", r.off)
	}

	out := r.buf[r.off : r.off+n]
	r.off += n

	return out, nil
}

func (r *byteReader) uint32() (uint32, error) {
	raw, err := r.take(4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(raw), nil
}

func NewBlockFromBytes(blockBytes []byte) (*Block, error) {
	r := &byteReader{buf: blockBytes}

	headerBytes, err := r.take(blockHeaderSize)
	if err != nil {
		return nil, err
	}

	header, err := NewBlockHeaderFromBytes(headerBytes)
	if err != nil {
		return nil, err
	}

	txCount, err := r.uint32()
	if err != nil {
		return nil, err
	}

	txs := make([]*Transaction, 0, txCount)
	for i := uint32(0); i < txCount; i++ {
		txLen, err := r.uint32()
		if err != nil {
			return nil, err
		}

		txBytes, err := r.take(int(txLen))
		if err != nil {
			return nil, err
		}

		tx, err := NewTransactionFromBytes(txBytes)
		if err != nil {
			return nil, err
		}

		txs = append(txs, tx)
	}

	proposals, err := readProposals(r)
	if err != nil {
		return nil, err
	}

	uncleCount, err := r.uint32()
	if err != nil {
		return nil, err
	}

	uncles := make([]*UncleBlock, 0, uncleCount)
	for i := uint32(0); i < uncleCount; i++ {
		uncleHeaderBytes, err := r.take(blockHeaderSize)
		if err != nil {
			return nil, err
		}

		uncleHeader, err := NewBlockHeaderFromBytes(uncleHeaderBytes)
		if err != nil {
			return nil, err
		}

		uncleProposals, err := readProposals(r)
		if err != nil {
			return nil, err
		}

		uncles = append(uncles, &UncleBlock{Header: uncleHeader, Proposals: uncleProposals})
	}

	if r.off != len(r.buf) {
		return nil, errors.NewBlockMalformedError("%d trailing bytes after block", len(r.buf)-r.off)
	}

	return NewBlock(header, txs, proposals, uncles), nil
}

func readProposals(r *byteReader) ([]ProposalShortID, error) {
	count, err := r.uint32()
	if err != nil {
		return nil, err
	}

	proposals := make([]ProposalShortID, 0, count)
	for i := uint32(0); i < count; i++ {
		raw, err := r.take(ProposalShortIDLength)
		if err != nil {
			return nil, err
		}

		var id ProposalShortID
		copy(id[:], raw)
		proposals = append(proposals, id)
	}

	return proposals, nil
}

func NewTransactionFromBytes(txBytes []byte) (*Transaction, error) {
	r := &byteReader{buf: txBytes}

	version, err := r.uint32()
	if err != nil {
		return nil, err
	}

	inputCount, err := r.uint32()
	if err != nil {
		return nil, err
	}

	inputs := make([]*CellInput, 0, inputCount)
	for i := uint32(0); i < inputCount; i++ {
		raw, err := r.take(44)
		if err != nil {
			return nil, err
		}

		var in CellInput
		copy(in.PreviousOutput.TxHash[:], raw[:32])
		in.PreviousOutput.Index = binary.LittleEndian.Uint32(raw[32:36])
		in.Since = binary.LittleEndian.Uint64(raw[36:44])
		inputs = append(inputs, &in)
	}

	outputCount, err := r.uint32()
	if err != nil {
		return nil, err
	}

	outputs := make([]*CellOutput, 0, outputCount)
	for i := uint32(0); i < outputCount; i++ {
		raw, err := r.take(40)
		if err != nil {
			return nil, err
		}

		var out CellOutput
		out.Capacity = binary.LittleEndian.Uint64(raw[:8])
		copy(out.LockHash[:], raw[8:40])
		outputs = append(outputs, &out)
	}

	witnessLen, err := r.uint32()
	if err != nil {
		return nil, err
	}

	witness, err := r.take(int(witnessLen))
	if err != nil {
		return nil, err
	}

	tx := &Transaction{
		Version: version,
		Inputs:  inputs,
		Outputs: outputs,
	}
	if len(witness) > 0 {
		tx.CellbaseWitness = append([]byte(nil), witness...)
	}

	return tx, nil
}

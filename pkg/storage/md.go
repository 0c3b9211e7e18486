package storage

import "qubedb/pkg/record"

// Operation is the kind of mutation a data file record carries.
type Operation uint8

const (
	opPut Operation = iota + 1
	opDelete
)

// MD packs the operation and the namespace into the record meta word.
type MD uint64

func newMD(op Operation, ns record.Namespace) MD {
	return MD(uint64(ns)<<8 | uint64(op))
}

func (md MD) operation() Operation {
	return Operation(uint64(md) & 0xff)
}

func (md MD) namespace() record.Namespace {
	return record.Namespace(md >> 8)
}

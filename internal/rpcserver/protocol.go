// Package rpcserver implements the worker's sole network-reachable
// surface: a mutually-authenticated, length-prefixed msgpack protocol
// exposing the five operations the gateway drives.
//
// Mutual TLS is built the way the teacher's marble package builds its
// mesh TLS config from cert/key/root-CA material, generalized from a
// fixed coordinator-injected triple to operator-supplied file paths.
// Framing uses vmihailenco/msgpack/v5 rather than a custom binary
// layout: msgpack is schema-tolerant (new fields decode as extra map
// keys, dropped fields decode as zero values), and it is already an
// indirect dependency the pack declares for exactly this kind of
// internal wire protocol.
package rpcserver

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// opcode identifies which of the five operations a frame carries.
type opcode byte

const (
	opCreateUserConnection opcode = 1
	opProcessSyncJob       opcode = 2
	opGetAggregatedMetrics opcode = 3
	opGetSnapshotTimeSeries opcode = 4
	opHealthCheck           opcode = 5
)

// status is the transport-level outcome of a request, distinct from the
// Kind carried inside an error response body.
type status byte

const (
	statusOK             status = 0
	statusInvalidArgument status = 1
	statusInternal        status = 2
)

const maxFrameSize = 4 << 20 // 4 MiB, generous for a metrics/snapshot payload

// frame is one length-prefixed protocol message: a 4-byte big-endian
// length, a 1-byte opcode, a 1-byte status, then a msgpack-encoded body.
type frameHeader struct {
	Opcode opcode
	Status status
}

func writeFrame(w io.Writer, op opcode, st status, body interface{}) error {
	encoded, err := msgpack.Marshal(body)
	if err != nil {
		return err
	}
	payload := make([]byte, 2+len(encoded))
	payload[0] = byte(op)
	payload[1] = byte(st)
	copy(payload[2:], encoded)

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(payload)))
	if _, err := w.Write(lenBuf); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readFrame(r io.Reader) (frameHeader, []byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return frameHeader{}, nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf)
	if size < 2 || size > maxFrameSize {
		return frameHeader{}, nil, errors.New("frame size out of bounds")
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return frameHeader{}, nil, err
	}
	return frameHeader{Opcode: opcode(payload[0]), Status: status(payload[1])}, payload[2:], nil
}

// errorBody is the shaped response body for a non-OK status.
type errorBody struct {
	Kind    string `msgpack:"kind"`
	Message string `msgpack:"message"`
}

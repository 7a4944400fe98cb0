package dispatcher

import (
	"bufio"
	"fmt"
	"net"

	"github.com/arjbhandari/rendezvousd/internal/wire"
)

// bufReader is the buffered reader each connection's dedicated reader
// goroutine reads from. A plain *bufio.Reader suffices; it is named here
// only so decode.go and dispatcher.go agree on the type without importing
// bufio in two places for one alias.
type bufReader = bufio.Reader

func newBufReader(conn net.Conn) *bufReader {
	return wire.NewReader(conn)
}

// decodedRequest is the dispatcher's internal representation of one
// request frame, after the tag-specific argument list has been read in
// full. Only the fields relevant to tag are populated.
type decodedRequest struct {
	tag wire.QueryType

	key  string
	keys []string

	value    []byte
	expected []byte
	desired  []byte
	delta    int64
}

// decodeRequest reads one full request frame: a tag byte followed by its
// tag-specific arguments. An unknown tag is returned as an error so the
// caller can purge the connection; this is fatal to the connection,
// never to the process.
func decodeRequest(r *bufReader) (decodedRequest, error) {
	tagByte, err := wire.ReadByteTag(r)
	if err != nil {
		return decodedRequest{}, err
	}
	tag := wire.QueryType(tagByte)

	switch tag {
	case wire.Set:
		key, err := wire.ReadString(r)
		if err != nil {
			return decodedRequest{}, err
		}
		value, err := wire.ReadBytes(r)
		if err != nil {
			return decodedRequest{}, err
		}
		return decodedRequest{tag: tag, key: key, value: value}, nil

	case wire.CompareSet:
		key, err := wire.ReadString(r)
		if err != nil {
			return decodedRequest{}, err
		}
		expected, err := wire.ReadBytes(r)
		if err != nil {
			return decodedRequest{}, err
		}
		desired, err := wire.ReadBytes(r)
		if err != nil {
			return decodedRequest{}, err
		}
		return decodedRequest{tag: tag, key: key, expected: expected, desired: desired}, nil

	case wire.Add:
		key, err := wire.ReadString(r)
		if err != nil {
			return decodedRequest{}, err
		}
		delta, err := wire.ReadInt64(r)
		if err != nil {
			return decodedRequest{}, err
		}
		return decodedRequest{tag: tag, key: key, delta: delta}, nil

	case wire.Get, wire.WatchKey, wire.DeleteKey:
		key, err := wire.ReadString(r)
		if err != nil {
			return decodedRequest{}, err
		}
		return decodedRequest{tag: tag, key: key}, nil

	case wire.Check, wire.Wait:
		keys, err := readKeyList(r)
		if err != nil {
			return decodedRequest{}, err
		}
		return decodedRequest{tag: tag, keys: keys}, nil

	case wire.GetNumKeys:
		return decodedRequest{tag: tag}, nil

	default:
		return decodedRequest{}, fmt.Errorf("dispatcher: unknown query tag %d", tagByte)
	}
}

func readKeyList(r *bufReader) ([]string, error) {
	n, err := wire.ReadSize(r)
	if err != nil {
		return nil, err
	}
	keys := make([]string, n)
	for i := range keys {
		k, err := wire.ReadString(r)
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	return keys, nil
}

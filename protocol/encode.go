package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	outputHeaderLen = 9
	exitFrameLen    = 9
)

// MaxChunkBytes bounds the payload of a single output frame accepted by ResponseReader.
const MaxChunkBytes = 16 * 1024 * 1024

var (
	ErrUnknownTag    = errors.New("protocol: unknown response tag")
	ErrFrameTooLarge = errors.New("protocol: output frame too large")
)

// AppendResponse appends the wire encoding of r to dst and returns the extended buffer.
func AppendResponse(dst []byte, r SpawnResponse) []byte {
	switch r := r.(type) {
	case ChildOutput:
		var hdr [outputHeaderLen]byte
		binary.BigEndian.PutUint32(hdr[0:4], r.RequestID)
		hdr[4] = uint8(r.Source)
		binary.BigEndian.PutUint32(hdr[5:9], uint32(len(r.Data)))
		dst = append(dst, hdr[:]...)
		return append(dst, r.Data...)
	case ChildExit:
		var frame [exitFrameLen]byte
		binary.BigEndian.PutUint32(frame[0:4], r.RequestID)
		frame[4] = tagExit
		binary.BigEndian.PutUint32(frame[5:9], uint32(r.Status))
		return append(dst, frame[:]...)
	case nil:
		return dst
	default:
		panic(fmt.Sprintf("protocol: unexpected response type %T", r))
	}
}

// Encoder writes response frames to an underlying writer.
type Encoder struct {
	w   io.Writer
	buf []byte
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) Encode(r SpawnResponse) error {
	e.buf = AppendResponse(e.buf[:0], r)
	_, err := e.w.Write(e.buf)
	return err
}

// ResponseReader parses response frames, as read by a client.
type ResponseReader struct {
	r *bufio.Reader
}

func NewResponseReader(r io.Reader) *ResponseReader {
	return &ResponseReader{r: bufio.NewReader(r)}
}

// ReadResponse returns the next frame. It returns io.EOF only when the stream ends on a frame boundary.
func (rr *ResponseReader) ReadResponse() (SpawnResponse, error) {
	var hdr [outputHeaderLen]byte
	_, err := io.ReadFull(rr.r, hdr[:])
	if err != nil {
		return nil, err
	}
	id := binary.BigEndian.Uint32(hdr[0:4])
	tag := hdr[4]
	word := binary.BigEndian.Uint32(hdr[5:9])

	switch tag {
	case tagExit:
		return ChildExit{RequestID: id, Status: int32(word)}, nil
	case uint8(Stdout), uint8(Stderr):
		if word > MaxChunkBytes {
			return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, word)
		}
		data := make([]byte, word)
		_, err := io.ReadFull(rr.r, data)
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		return ChildOutput{RequestID: id, Source: OutputStreamType(tag), Data: data}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}
}

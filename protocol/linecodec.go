package protocol

import (
	"bytes"
	"fmt"
)

// MaxLineBytes caps the size of a retained partial line.
const MaxLineBytes = 64 * 1024 * 1024

// LineDecoder splits a byte stream into newline-terminated JSON objects.
//
// Each Write is treated as the next chunk of the stream. Complete lines are
// decoded and handed to OnMessage in order; an incomplete trailing fragment
// is kept until the next Write. Blank lines are skipped and undecodable lines
// are reported to OnError and dropped. Write never fails.
//
// A LineDecoder is not safe for concurrent use.
type LineDecoder struct {
	OnMessage func(Message)
	OnError   func(line []byte, err error)

	buf []byte
}

// NewLineDecoder returns a decoder with the given callbacks. onError may be nil.
func NewLineDecoder(onMessage func(Message), onError func(line []byte, err error)) *LineDecoder {
	return &LineDecoder{OnMessage: onMessage, OnError: onError}
}

func (d *LineDecoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)

	start := 0
	for {
		i := bytes.IndexByte(d.buf[start:], '\n')
		if i < 0 {
			break
		}
		d.handleLine(d.buf[start : start+i])
		start += i + 1
	}

	n := copy(d.buf, d.buf[start:])
	d.buf = d.buf[:n]

	if len(d.buf) > MaxLineBytes {
		d.reportError(d.buf[:256], fmt.Errorf("line exceeds %d bytes, discarded", MaxLineBytes))
		d.buf = nil
	}
	return len(p), nil
}

// Pending returns the number of buffered bytes of an incomplete line.
func (d *LineDecoder) Pending() int {
	return len(d.buf)
}

func (d *LineDecoder) handleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	msg, err := DecodeMessage(line)
	if err != nil {
		d.reportError(line, err)
		return
	}
	if d.OnMessage != nil {
		d.OnMessage(msg)
	}
}

func (d *LineDecoder) reportError(line []byte, err error) {
	if d.OnError == nil {
		return
	}
	d.OnError(bytes.Clone(line), err)
}

// Package ws pumps browser audio into a [capture.Recorder] over a WebSocket.
//
// The browser streams each recorded chunk as a binary message. Text messages
// are control verbs: "stop" finalizes the recording, while
// "permission-denied" and "device-unavailable" report that the browser could
// not open the microphone at all. Socket teardown mid-recording — the user
// navigating away — releases the recorder deterministically.
package ws

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/websocket"

	"github.com/voxform/voxform/pkg/capture"
)

// Control verbs accepted as text messages on the ingest socket.
const (
	MsgStop              = "stop"
	MsgPermissionDenied  = "permission-denied"
	MsgDeviceUnavailable = "device-unavailable"
)

// ErrConnClosed is returned by Pump when the socket closes before a stop
// message arrives. The recorder has been released; the capture attempt is
// abandoned, not finalized.
var ErrConnClosed = errors.New("ws: connection closed before stop")

// Pump reads ingest messages from conn until a stop verb, a client-reported
// capture error, socket closure, or ctx cancellation.
//
// Binary messages are appended to rec in arrival order. On "stop" Pump
// returns nil with the recorder still holding the chunks — the caller
// finalizes via rec.End. On every other outcome the recorder is released
// before returning, so the audio resource never outlives the socket.
func Pump(ctx context.Context, conn *websocket.Conn, rec *capture.Recorder) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			rec.Release()
			if ctx.Err() != nil {
				return fmt.Errorf("ws: %w", ctx.Err())
			}
			return fmt.Errorf("%w: %v", ErrConnClosed, err)
		}

		switch typ {
		case websocket.MessageBinary:
			if err := rec.Append(data); err != nil {
				rec.Release()
				return fmt.Errorf("ws: append chunk: %w", err)
			}

		case websocket.MessageText:
			switch string(data) {
			case MsgStop:
				return nil
			case MsgPermissionDenied:
				rec.Release()
				return capture.ErrPermissionDenied
			case MsgDeviceUnavailable:
				rec.Release()
				return capture.ErrDeviceUnavailable
			default:
				// Unknown verbs are ignored; future clients may send more.
			}
		}
	}
}

// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package session

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/supermarsx/rfbcore/rfb"
)

// mockRFBServer is a minimal scripted RFB 3.8 server for registry tests.
// It negotiates with security type None and answers every framebuffer
// update request with a single 1x1 raw rectangle. With SendExtras set, a
// bell and a clipboard message follow each update.
type mockRFBServer struct {
	listener net.Listener
	addr     string
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once

	FrameWidth  uint16
	FrameHeight uint16
	DesktopName string
	SendExtras  bool
}

func newMockRFBServer() *mockRFBServer {
	return &mockRFBServer{
		FrameWidth:  800,
		FrameHeight: 600,
		DesktopName: "mock desktop",
		stop:        make(chan struct{}),
	}
}

func (m *mockRFBServer) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	m.listener = listener
	m.addr = listener.Addr().String()

	m.wg.Add(1)
	go m.serve()
	return nil
}

func (m *mockRFBServer) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.listener.Close()
	})
	m.wg.Wait()
}

func (m *mockRFBServer) Addr() string {
	return m.addr
}

func (m *mockRFBServer) serve() {
	defer m.wg.Done()

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.stop:
				return
			default:
				continue
			}
		}
		go m.handle(conn)
	}
}

func (m *mockRFBServer) handle(conn net.Conn) {
	defer conn.Close()

	if err := m.handshake(conn); err != nil {
		return
	}
	m.messageLoop(conn)
}

func (m *mockRFBServer) handshake(conn net.Conn) error {
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetDeadline(time.Time{}) //nolint:errcheck

	if _, err := conn.Write([]byte("RFB 003.008\n")); err != nil {
		return err
	}
	reply := make([]byte, 12)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return err
	}

	// Offer None only.
	if _, err := conn.Write([]byte{1, uint8(rfb.SecurityTypeNone)}); err != nil {
		return err
	}
	var selection [1]byte
	if _, err := io.ReadFull(conn, selection[:]); err != nil {
		return err
	}
	if err := binary.Write(conn, binary.BigEndian, uint32(0)); err != nil {
		return err
	}

	var clientInit [1]byte
	if _, err := io.ReadFull(conn, clientInit[:]); err != nil {
		return err
	}

	if err := binary.Write(conn, binary.BigEndian, m.FrameWidth); err != nil {
		return err
	}
	if err := binary.Write(conn, binary.BigEndian, m.FrameHeight); err != nil {
		return err
	}
	if _, err := conn.Write(rfb.WritePixelFormat(rfb.PixelFormat32BitRGBA)); err != nil {
		return err
	}
	if err := binary.Write(conn, binary.BigEndian, uint32(len(m.DesktopName))); err != nil {
		return err
	}
	_, err := conn.Write([]byte(m.DesktopName))
	return err
}

func (m *mockRFBServer) messageLoop(conn net.Conn) {
	for {
		var msgType [1]byte
		if _, err := io.ReadFull(conn, msgType[:]); err != nil {
			return
		}

		switch msgType[0] {
		case 0: // SetPixelFormat
			if err := discard(conn, 19); err != nil {
				return
			}
		case 2: // SetEncodings
			var header [3]byte
			if _, err := io.ReadFull(conn, header[:]); err != nil {
				return
			}
			count := binary.BigEndian.Uint16(header[1:])
			if err := discard(conn, int(count)*4); err != nil {
				return
			}
		case 3: // FramebufferUpdateRequest
			if err := discard(conn, 9); err != nil {
				return
			}
			if err := m.sendUpdate(conn); err != nil {
				return
			}
			if m.SendExtras {
				if _, err := conn.Write([]byte{2}); err != nil { // Bell
					return
				}
				if err := m.sendCutText(conn, "server clip"); err != nil {
					return
				}
			}
		case 4: // KeyEvent
			if err := discard(conn, 7); err != nil {
				return
			}
		case 5: // PointerEvent
			if err := discard(conn, 5); err != nil {
				return
			}
		case 6: // ClientCutText
			var header [7]byte
			if _, err := io.ReadFull(conn, header[:]); err != nil {
				return
			}
			length := binary.BigEndian.Uint32(header[3:])
			if err := discard(conn, int(length)); err != nil {
				return
			}
		default:
			return
		}
	}
}

// sendUpdate writes a one-rectangle raw update for the top-left pixel.
func (m *mockRFBServer) sendUpdate(conn net.Conn) error {
	update := []byte{
		0, 0, // type, padding
		0, 1, // one rectangle
		0, 0, 0, 0, // x, y
		0, 1, 0, 1, // 1x1
		0, 0, 0, 0, // raw encoding
		0x11, 0x22, 0x33, 0x44, // one 32-bit pixel
	}
	_, err := conn.Write(update)
	return err
}

func (m *mockRFBServer) sendCutText(conn net.Conn, text string) error {
	header := []byte{3, 0, 0, 0}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(text)))
	if _, err := conn.Write(append(append(header, length[:]...), []byte(text)...)); err != nil {
		return err
	}
	return nil
}

func discard(conn net.Conn, n int) error {
	_, err := io.CopyN(io.Discard, conn, int64(n))
	return err
}

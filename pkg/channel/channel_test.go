package channel

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func websocketConnPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConnCh := make(chan *websocket.Conn, 1)
	errCh := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errCh <- err
			return
		}
		serverConnCh <- conn
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	var serverConn *websocket.Conn
	select {
	case serverConn = <-serverConnCh:
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server websocket connection")
	}

	cleanup := func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
		srv.Close()
	}
	return serverConn, clientConn, cleanup
}

func channelPair(t *testing.T) (*Channel, *Channel) {
	t.Helper()

	serverConn, clientConn, cleanup := websocketConnPair(t)
	t.Cleanup(cleanup)

	return New(serverConn, zerolog.Nop()), New(clientConn, zerolog.Nop())
}

func serve(t *testing.T, ch *Channel) <-chan error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() { done <- ch.Serve(ctx) }()
	return done
}

func TestChannel_Emit(t *testing.T) {
	t.Run("should deliver events in arrival order", func(t *testing.T) {
		server, client := channelPair(t)

		var mu sync.Mutex
		var got []string
		server.On("server-dir", func(msg Message) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, msg.String(0))
		})
		serve(t, server)

		for _, dir := range []string{"one", "two", "three"} {
			require.NoError(t, client.Emit("server-dir", dir))
		}

		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 3
		}, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, []string{"one", "two", "three"}, got)
	})

	t.Run("should encode errors error-first", func(t *testing.T) {
		server, client := channelPair(t)

		type reply struct {
			err  error
			data map[string]string
		}
		replies := make(chan reply, 2)
		client.On("server-dir:response", func(msg Message) {
			var data map[string]string
			_ = msg.Decode(1, &data)
			replies <- reply{err: msg.Err(0), data: data}
		})
		serve(t, client)

		require.NoError(t, server.Emit("server-dir:response", errors.New("no such dir"), map[string]string{"serverDir": "/x"}))
		require.NoError(t, server.Emit("server-dir:response", nil, map[string]string{"serverDir": "/y"}))

		first := <-replies
		assert.EqualError(t, first.err, "no such dir")
		assert.Equal(t, "/x", first.data["serverDir"])

		second := <-replies
		assert.NoError(t, second.err)
		assert.Equal(t, "/y", second.data["serverDir"])
	})

	t.Run("should reject an empty event name", func(t *testing.T) {
		server, _ := channelPair(t)
		assert.Error(t, server.Emit(""))
	})
}

func TestChannel_Ack(t *testing.T) {
	t.Run("should correlate exactly one acknowledgement", func(t *testing.T) {
		server, client := channelPair(t)

		server.On("file", func(msg Message) {
			assert.True(t, msg.WantsAck())
			assert.NoError(t, msg.Ack(nil, msg.String(0)))
			assert.ErrorIs(t, msg.Ack("again"), ErrAlreadyAcked)
		})
		serve(t, server)
		serve(t, client)

		acks := make(chan string, 2)
		require.NoError(t, client.EmitWithAck("file", func(reply Message, err error) {
			require.NoError(t, err)
			assert.NoError(t, reply.Err(0))
			acks <- reply.String(1)
		}, "a.txt"))

		select {
		case got := <-acks:
			assert.Equal(t, "a.txt", got)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for ack")
		}

		select {
		case extra := <-acks:
			t.Fatalf("unexpected second ack %q", extra)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("should answer unknown events with an error", func(t *testing.T) {
		server, client := channelPair(t)
		serve(t, server)
		serve(t, client)

		errs := make(chan error, 1)
		require.NoError(t, client.EmitWithAck("nope", func(reply Message, err error) {
			require.NoError(t, err)
			errs <- reply.Err(0)
		}))

		select {
		case err := <-errs:
			assert.EqualError(t, err, `unknown event "nope"`)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for ack")
		}
	})

	t.Run("should fail pending acknowledgements on close", func(t *testing.T) {
		_, client := channelPair(t)

		errs := make(chan error, 1)
		require.NoError(t, client.EmitWithAck("file", func(_ Message, err error) {
			errs <- err
		}))
		require.NoError(t, client.Close())

		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for failure")
		}
		assert.ErrorIs(t, client.Emit("auth", "s"), ErrClosed)
	})
}

func TestChannel_Close(t *testing.T) {
	t.Run("should report a normal close as permanent", func(t *testing.T) {
		server, client := channelPair(t)
		done := serve(t, server)

		require.NoError(t, client.CloseWith(websocket.CloseNormalClosure, "bye"))

		select {
		case err := <-done:
			assert.True(t, IsPermanentClose(err))
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for serve to return")
		}
	})

	t.Run("should report a dropped connection as transient", func(t *testing.T) {
		server, client := channelPair(t)
		done := serve(t, server)

		require.NoError(t, client.Close())

		select {
		case err := <-done:
			assert.Error(t, err)
			assert.False(t, IsPermanentClose(err))
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for serve to return")
		}
	})
}

func TestChannel_Heartbeat(t *testing.T) {
	t.Run("should end serve when the peer stops answering pings", func(t *testing.T) {
		serverConn, _, cleanup := websocketConnPair(t)
		t.Cleanup(cleanup)

		// the raw client never reads, so its pongs never come
		server := New(serverConn, zerolog.Nop(), WithHeartbeat(50*time.Millisecond, 50*time.Millisecond))
		done := serve(t, server)

		select {
		case err := <-done:
			require.Error(t, err)
			assert.False(t, IsPermanentClose(err))
			var netErr net.Error
			require.ErrorAs(t, err, &netErr)
			assert.True(t, netErr.Timeout())
		case <-time.After(2 * time.Second):
			t.Fatal("serve did not notice the silent peer")
		}
	})

	t.Run("should keep a responsive peer connected", func(t *testing.T) {
		serverConn, clientConn, cleanup := websocketConnPair(t)
		t.Cleanup(cleanup)

		server := New(serverConn, zerolog.Nop(), WithHeartbeat(30*time.Millisecond, 30*time.Millisecond))
		client := New(clientConn, zerolog.Nop(), WithHeartbeat(30*time.Millisecond, 30*time.Millisecond))
		serverDone := serve(t, server)
		clientDone := serve(t, client)

		select {
		case err := <-serverDone:
			t.Fatalf("server read loop ended: %v", err)
		case err := <-clientDone:
			t.Fatalf("client read loop ended: %v", err)
		case <-time.After(400 * time.Millisecond):
		}
	})
}

func TestChannel_CloseAfter(t *testing.T) {
	t.Run("should tell the peer a malformed frame was refused", func(t *testing.T) {
		serverConn, clientConn, cleanup := websocketConnPair(t)
		t.Cleanup(cleanup)

		server := New(serverConn, zerolog.Nop())
		done := serve(t, server)

		require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, []byte("not json")))

		var serveErr error
		select {
		case serveErr = <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for serve to return")
		}
		require.ErrorIs(t, serveErr, ErrMalformedFrame)
		assert.False(t, IsPermanentClose(serveErr))

		require.NoError(t, server.CloseAfter(serveErr))
		assert.True(t, server.Closed())

		require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err := clientConn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseUnsupportedData))
	})

	t.Run("should close without a frame after a dropped connection", func(t *testing.T) {
		server, client := channelPair(t)
		done := serve(t, server)

		require.NoError(t, client.Close())

		select {
		case err := <-done:
			_ = server.CloseAfter(err)
			assert.True(t, server.Closed())
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for serve to return")
		}
	})
}

func TestMessage_Err(t *testing.T) {
	tests := []struct {
		name string
		args []interface{}
		want string
	}{
		{"null", []interface{}{nil}, ""},
		{"missing", nil, ""},
		{"string", []interface{}{"Secret did not match"}, "Secret did not match"},
		{"object", []interface{}{map[string]string{"message": "already enabled"}}, "already enabled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewMessage("auth:response", nil, tt.args...)
			require.NoError(t, err)

			if tt.want == "" {
				assert.NoError(t, msg.Err(0))
				return
			}
			assert.EqualError(t, msg.Err(0), tt.want)
		})
	}
}

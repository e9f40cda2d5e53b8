package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatherly/chat/pkg/chat"
	"github.com/gatherly/chat/pkg/protocol"
)

var testChannel = chat.Channel{Type: chat.Chatroom, ChatroomID: "room-1"}

// newWSServer runs the given script against each incoming connection.
func newWSServer(t *testing.T, script func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}))
	t.Cleanup(s.Close)
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var fr frame
	require.Nil(t, conn.ReadJSON(&fr))
	return fr
}

func sendFrame(t *testing.T, conn *websocket.Conn, eventType string, payload interface{}) {
	t.Helper()
	require.Nil(t, conn.WriteJSON(map[string]interface{}{
		"type":    eventType,
		"payload": payload,
	}))
}

func message(id int, sender, data string) chat.Message {
	return chat.Message{
		ID:      id,
		Channel: testChannel,
		Sender:  sender,
		Type:    chat.TextMessage,
		Data:    data,
		SentAt:  time.Now().UTC().Truncate(time.Second),
	}
}

// serveHandshake verifies the auth and sync:history frames and answers them,
// leaving the client Active with the given backfill.
func serveHandshake(t *testing.T, conn *websocket.Conn, backfill []chat.Message) {
	t.Helper()

	fr := readFrame(t, conn)
	require.Equal(t, protocol.EventAuth, fr.Type)
	var authPayload protocol.AuthPayload
	require.Nil(t, json.Unmarshal(fr.Payload, &authPayload))
	require.Equal(t, "alice", authPayload.Username)
	require.Equal(t, "token-1", authPayload.Token)
	sendFrame(t, conn, protocol.EventAuthSuccess, protocol.AuthSuccessPayload{Username: "alice"})

	fr = readFrame(t, conn)
	require.Equal(t, protocol.EventSyncHistory, fr.Type)
	var syncPayload protocol.SyncHistoryPayload
	require.Nil(t, json.Unmarshal(fr.Payload, &syncPayload))
	require.Equal(t, testChannel, syncPayload.Channel)
	sendFrame(t, conn, protocol.EventSyncResponse, protocol.SyncResponsePayload{
		Channel:  testChannel,
		Messages: backfill,
	})
}

func open(t *testing.T, url string, opts ...Option) *ChatSession {
	t.Helper()
	session, err := Open(context.Background(), url, testChannel, "alice", "token-1", opts...)
	require.Nil(t, err)
	t.Cleanup(session.Close)
	return session
}

func waitState(t *testing.T, session *ChatSession, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return session.State() == want
	}, 2*time.Second, 5*time.Millisecond, "state is %s, want %s", session.State(), want)
}

func Test_HandshakeToActive(t *testing.T) {
	done := make(chan struct{})
	url := newWSServer(t, func(conn *websocket.Conn) {
		serveHandshake(t, conn, []chat.Message{
			message(2, "bob", "second"),
			message(1, "alice", "first"),
		})
		<-done
	})
	defer close(done)

	session := open(t, url)
	waitState(t, session, Active)

	// the reverse-chronological backfill is adopted in ascending order
	messages := session.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, 1, messages[0].ID)
	assert.Equal(t, "first", messages[0].Data)
	assert.Equal(t, 2, messages[1].ID)
}

func Test_AuthFailure(t *testing.T) {
	done := make(chan struct{})
	url := newWSServer(t, func(conn *websocket.Conn) {
		fr := readFrame(t, conn)
		require.Equal(t, protocol.EventAuth, fr.Type)
		sendFrame(t, conn, protocol.EventAuthFailure, protocol.AuthFailurePayload{
			Message: "invalid credentials",
		})
		<-done
	})
	defer close(done)

	session := open(t, url)

	require.Eventually(t, func() bool {
		return errors.Is(session.Err(), ErrAuthFailed)
	}, 2*time.Second, 5*time.Millisecond)
	// the session never advanced
	assert.Equal(t, Authenticating, session.State())
	assert.Equal(t, ErrNotActive, session.SendMessage("hi", nil))
}

func Test_LiveMessagesDuringSyncAreBuffered(t *testing.T) {
	done := make(chan struct{})
	url := newWSServer(t, func(conn *websocket.Conn) {
		fr := readFrame(t, conn)
		require.Equal(t, protocol.EventAuth, fr.Type)
		sendFrame(t, conn, protocol.EventAuthSuccess, protocol.AuthSuccessPayload{Username: "alice"})

		fr = readFrame(t, conn)
		require.Equal(t, protocol.EventSyncHistory, fr.Type)

		// live broadcasts overtake the backfill: one duplicates a backfilled
		// message, one is genuinely new
		sendFrame(t, conn, protocol.EventMessageNew, message(2, "bob", "second"))
		sendFrame(t, conn, protocol.EventMessageNew, message(3, "bob", "third"))

		sendFrame(t, conn, protocol.EventSyncResponse, protocol.SyncResponsePayload{
			Channel: testChannel,
			Messages: []chat.Message{
				message(2, "bob", "second"),
				message(1, "alice", "first"),
			},
		})
		<-done
	})
	defer close(done)

	session := open(t, url)
	waitState(t, session, Active)

	messages := session.Messages()
	require.Len(t, messages, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{messages[0].ID, messages[1].ID, messages[2].ID})
}

func Test_SendMessage(t *testing.T) {
	received := make(chan frame, 1)
	done := make(chan struct{})
	url := newWSServer(t, func(conn *websocket.Conn) {
		serveHandshake(t, conn, nil)
		received <- readFrame(t, conn)
		<-done
	})
	defer close(done)

	session := open(t, url)
	waitState(t, session, Active)

	require.Nil(t, session.SendMessage("hello", nil))

	select {
	case fr := <-received:
		require.Equal(t, protocol.EventMessageNew, fr.Type)
		var payload protocol.MessageNewPayload
		require.Nil(t, json.Unmarshal(fr.Payload, &payload))
		assert.Equal(t, testChannel, payload.Channel)
		assert.Equal(t, "hello", payload.Data)
	case <-time.After(2 * time.Second):
		require.Fail(t, "server did not receive the message")
	}

	// empty content never reaches the wire
	require.Equal(t, ErrEmptyMessage, session.SendMessage("", nil))
}

func Test_EchoAppendsMessage(t *testing.T) {
	done := make(chan struct{})
	url := newWSServer(t, func(conn *websocket.Conn) {
		serveHandshake(t, conn, nil)

		fr := readFrame(t, conn)
		require.Equal(t, protocol.EventMessageNew, fr.Type)
		// the echo carries the server-assigned id and timestamp
		sendFrame(t, conn, protocol.EventMessageNew, message(1, "alice", "hello"))
		<-done
	})
	defer close(done)

	session := open(t, url)
	waitState(t, session, Active)
	require.Nil(t, session.SendMessage("hello", nil))

	require.Eventually(t, func() bool {
		return len(session.Messages()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, session.Messages()[0].ID)
}

func Test_MessagesFromOtherChannelsAreIgnored(t *testing.T) {
	done := make(chan struct{})
	url := newWSServer(t, func(conn *websocket.Conn) {
		serveHandshake(t, conn, nil)
		other := message(1, "bob", "wrong room")
		other.Channel = chat.Channel{Type: chat.Meetup, ChatroomID: "room-1"}
		sendFrame(t, conn, protocol.EventMessageNew, other)
		sendFrame(t, conn, protocol.EventMessageNew, message(1, "bob", "right room"))
		<-done
	})
	defer close(done)

	session := open(t, url)
	waitState(t, session, Active)

	require.Eventually(t, func() bool {
		return len(session.Messages()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "right room", session.Messages()[0].Data)
}

func Test_ReactionBroadcastReplacesState(t *testing.T) {
	done := make(chan struct{})
	url := newWSServer(t, func(conn *websocket.Conn) {
		serveHandshake(t, conn, []chat.Message{message(1, "bob", "react to me")})

		fr := readFrame(t, conn)
		require.Equal(t, protocol.EventMessageReaction, fr.Type)
		var payload protocol.MessageReactionPayload
		require.Nil(t, json.Unmarshal(fr.Payload, &payload))
		require.Equal(t, "👍", payload.Emoji)

		sendFrame(t, conn, protocol.EventMessageReaction, protocol.MessageReactionBroadcast{
			Channel:   testChannel,
			MessageID: 1,
			Reactions: chat.Reactions{{Emoji: "👍", Users: []string{"alice", "bob"}}},
		})
		<-done
	})
	defer close(done)

	session := open(t, url)
	waitState(t, session, Active)

	// nothing changes until the server broadcasts the recomputed state
	assert.Empty(t, session.Reactions(1))
	require.Nil(t, session.ToggleReaction(1, "👍"))

	require.Eventually(t, func() bool {
		return len(session.Reactions(1)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"alice", "bob"}, session.Reactions(1).Users("👍"))
}

func Test_SystemErrorKeepsSessionActive(t *testing.T) {
	done := make(chan struct{})
	url := newWSServer(t, func(conn *websocket.Conn) {
		serveHandshake(t, conn, nil)
		sendFrame(t, conn, protocol.EventSystemError, protocol.SystemErrorPayload{
			Code:    protocol.CodeAuthorization,
			Message: "you are muted",
		})
		<-done
	})
	defer close(done)

	session := open(t, url)
	waitState(t, session, Active)

	require.Eventually(t, func() bool {
		var serr *SystemError
		return errors.As(session.Err(), &serr)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Active, session.State())
}

func Test_TransportErrorDisconnects(t *testing.T) {
	url := newWSServer(t, func(conn *websocket.Conn) {
		serveHandshake(t, conn, nil)
		conn.Close()
	})

	session := open(t, url)
	waitState(t, session, Disconnected)

	// no reconnection is attempted; sends fail
	assert.Equal(t, ErrNotActive, session.SendMessage("hi", nil))
	assert.NotNil(t, session.Err())
}

func Test_TypingOverWire(t *testing.T) {
	frames := make(chan frame, 8)
	done := make(chan struct{})
	url := newWSServer(t, func(conn *websocket.Conn) {
		serveHandshake(t, conn, nil)
		for {
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			var fr frame
			if err := conn.ReadJSON(&fr); err != nil {
				return
			}
			select {
			case frames <- fr:
			case <-done:
				return
			}
		}
	})
	defer close(done)

	session := open(t, url, WithTypingDebounce(80*time.Millisecond))
	waitState(t, session, Active)

	// several keystrokes produce exactly one typing:start
	session.TypedInput()
	session.TypedInput()
	session.TypedInput()

	fr := <-frames
	require.Equal(t, protocol.EventTypingStart, fr.Type)
	var payload protocol.TypingPayload
	require.Nil(t, json.Unmarshal(fr.Payload, &payload))
	assert.Equal(t, testChannel, payload.Channel)

	// the idle timer fires one typing:stop
	select {
	case fr = <-frames:
		require.Equal(t, protocol.EventTypingStop, fr.Type)
	case <-time.After(2 * time.Second):
		require.Fail(t, "no typing:stop after idle")
	}
}

func Test_SendingMessageStopsTyping(t *testing.T) {
	frames := make(chan frame, 8)
	done := make(chan struct{})
	url := newWSServer(t, func(conn *websocket.Conn) {
		serveHandshake(t, conn, nil)
		for {
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			var fr frame
			if err := conn.ReadJSON(&fr); err != nil {
				return
			}
			select {
			case frames <- fr:
			case <-done:
				return
			}
		}
	})
	defer close(done)

	session := open(t, url, WithTypingDebounce(time.Minute))
	waitState(t, session, Active)

	session.TypedInput()
	require.Nil(t, session.SendMessage("hello", nil))

	want := []string{protocol.EventTypingStart, protocol.EventTypingStop, protocol.EventMessageNew}
	for _, eventType := range want {
		select {
		case fr := <-frames:
			require.Equal(t, eventType, fr.Type)
		case <-time.After(2 * time.Second):
			require.Failf(t, "missing frame", "want %s", eventType)
		}
	}
}

func Test_RemoteTypingIndicator(t *testing.T) {
	done := make(chan struct{})
	sendTyping := make(chan string, 4)
	url := newWSServer(t, func(conn *websocket.Conn) {
		serveHandshake(t, conn, nil)
		for {
			select {
			case eventType := <-sendTyping:
				sendFrame(t, conn, eventType, protocol.TypingPayload{
					Channel:  testChannel,
					Username: "bob",
				})
			case <-done:
				return
			}
		}
	})
	defer close(done)

	session := open(t, url, WithTypingTTL(150*time.Millisecond))
	waitState(t, session, Active)

	sendTyping <- protocol.EventTypingStart
	require.Eventually(t, func() bool {
		return len(session.TypingUsers()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "bob is typing...", session.TypingLabel())

	sendTyping <- protocol.EventTypingStop
	require.Eventually(t, func() bool {
		return len(session.TypingUsers()) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "", session.TypingLabel())

	// without an explicit stop the indicator expires on its own, covering
	// peers that disconnect uncleanly
	sendTyping <- protocol.EventTypingStart
	require.Eventually(t, func() bool {
		return len(session.TypingUsers()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(session.TypingUsers()) == 0
	}, 2*time.Second, 5*time.Millisecond, "indicator did not expire")
}

func Test_CloseIsIdempotent(t *testing.T) {
	done := make(chan struct{})
	url := newWSServer(t, func(conn *websocket.Conn) {
		serveHandshake(t, conn, nil)
		<-done
	})
	defer close(done)

	session := open(t, url)
	waitState(t, session, Active)

	session.Close()
	session.Close()
	assert.Equal(t, Disconnected, session.State())
	assert.Equal(t, ErrNotActive, session.SendMessage("hi", nil))
}

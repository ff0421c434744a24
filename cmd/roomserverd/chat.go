package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/dukepan/roomserver/internal/audit"
	"github.com/dukepan/roomserver/internal/authtoken"
	"github.com/dukepan/roomserver/internal/config"
	"github.com/dukepan/roomserver/internal/matchmaker"
	"github.com/dukepan/roomserver/internal/room"
	"github.com/dukepan/roomserver/internal/stats"
	"github.com/dukepan/roomserver/internal/transport/ws"
)

// chatMessage is the payload a joined client sends/receives for the
// "chat" message type, the one room-defined frame this demo wires up.
type chatMessage struct {
	From string `json:"from"`
	Text string `json:"text"`
}

// defineChatRoom registers a reference room type exercising the full
// onCreate/onAuth/onJoin/onLeave/onDispose lifecycle, a typed message
// handler, and a broadcast, the way a hosted application's own room
// definitions would.
func defineChatRoom(mm *matchmaker.Matchmaker, tokens *authtoken.Manager, auditLog *audit.Log, reg *stats.Registry, processID string, cfg *config.Config) {
	handler := mm.Define("chat", chatRoomFactory(tokens, auditLog, processID, cfg), room.Options{"topic": "general"})
	handler.MaxClients = 50
}

func chatRoomFactory(tokens *authtoken.Manager, auditLog *audit.Log, processID string, cfg *config.Config) matchmaker.RoomFactory {
	return func() room.Hooks {
		return room.Hooks{
			OnCreate: func(ctx context.Context, r *room.Room, options room.Options) error {
				r.OnMessage("chat", func(ctx context.Context, r *room.Room, client *room.Client, payload interface{}) error {
					raw, err := json.Marshal(chatMessage{From: client.SessionID(), Text: textOf(payload)})
					if err != nil {
						return err
					}
					return r.BroadcastBytes("chat", raw, room.BroadcastOptions{})
				})
				if auditLog != nil {
					return auditLog.Record(ctx, audit.EventRoomCreate, processID, r.RoomID())
				}
				return nil
			},
			OnAuth: func(ctx context.Context, r *room.Room, client *room.Client, options room.Options) (interface{}, error) {
				token, _ := options["token"].(string)
				if token == "" {
					return client.SessionID(), nil
				}
				claims, err := tokens.Validate(token)
				if err != nil {
					return nil, err
				}
				return claims.UserID, nil
			},
			OnJoin: func(ctx context.Context, r *room.Room, client *room.Client, options room.Options) error {
				return r.Broadcast("system", map[string]string{"message": client.SessionID() + " joined"}, room.BroadcastOptions{Except: client})
			},
			OnLeave: func(ctx context.Context, r *room.Room, client *room.Client, consented bool) error {
				if !consented {
					ch := r.AllowReconnection(client, cfg.ReconnectionGraceDefault)
					go func() {
						if _, ok := <-ch; ok {
							return
						}
						_ = r.Broadcast("system", map[string]string{"message": client.SessionID() + " left"}, room.BroadcastOptions{})
					}()
					return nil
				}
				return r.Broadcast("system", map[string]string{"message": client.SessionID() + " left"}, room.BroadcastOptions{})
			},
			OnDispose: func(ctx context.Context, r *room.Room) error {
				if auditLog != nil {
					return auditLog.Record(ctx, audit.EventRoomDispose, processID, r.RoomID())
				}
				return nil
			},
		}
	}
}

func textOf(payload interface{}) string {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return ""
	}
	text, _ := m["text"].(string)
	return text
}

// chatHandler upgrades an HTTP request to a websocket, joins the
// caller into the "chat" room via the matchmaker, and pumps inbound
// frames into the room until the connection drops.
func chatHandler(mm *matchmaker.Matchmaker, logger *slog.Logger, devMode bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		sessionID := r.URL.Query().Get("sessionId")
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		options := room.Options{}
		if token := r.URL.Query().Get("token"); token != "" {
			options["token"] = token
		}

		result, err := mm.JoinOrCreate(ctx, "chat", sessionID, options)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		hosted, ok := mm.HostedRoom(result.Room.RoomID)
		if !ok {
			http.Error(w, "room hosted on another process; this demo binary does not proxy transports", http.StatusNotImplemented)
			return
		}

		conn, err := ws.NewConn(w, r)
		if err != nil {
			logger.Error("chat: upgrade failed", "error", err)
			return
		}

		client, err := hosted.Join(ctx, sessionID, conn)
		if err != nil {
			logger.Error("chat: join rejected", "session_id", sessionID, "error", err)
			_ = conn.Close(4000, "join rejected")
			return
		}

		for {
			frame, err := conn.Receive(ctx)
			if err != nil {
				_ = hosted.Leave(context.Background(), client, false)
				return
			}
			if err := hosted.HandleMessage(ctx, client, frame); err != nil {
				logger.Warn("chat: message handling error", "session_id", sessionID, "error", err)
			}
		}
	}
}

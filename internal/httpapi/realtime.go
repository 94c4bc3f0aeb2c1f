package httpapi

import (
	"net/http"

	"clinic/ticketing-service/internal/hub"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
)

// RealtimeHandler exposes the hub over SockJS at prefix. Clients pick rooms
// with {"action":"subscribe","room":"<department>::<date>"} and patient apps
// use their personal room; everything else sent by a client is ignored.
func RealtimeHandler(prefix string, h *hub.Hub) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		client := hub.NewClient(uuid.NewString(), 16)
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.Unsubscribe(client, parsed.Room)
			} else if parsed.Room != "" {
				h.Subscribe(client, parsed.Room)
			}
		}
	})
}

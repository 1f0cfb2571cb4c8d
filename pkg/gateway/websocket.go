package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/chen-yuxuan/jina/pkg/types"
)

// endFrame is the control frame a client sends to half-close the
// request stream; responses keep flowing until traversal drains.
const endFrame = "END"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsIterator reads JSON-encoded DataRequest frames off the socket.
type wsIterator struct {
	conn *websocket.Conn
}

func (it *wsIterator) Next() (*types.DataRequest, error) {
	msgType, data, err := it.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	if msgType == websocket.TextMessage && string(data) == endFrame {
		return nil, io.EOF
	}
	var req types.DataRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// websocketHandler serves the frame-streamed surface: one socket per
// client, JSON DataRequest frames in, JSON DataResponse frames out.
func (gw *Gateway) websocketHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			gw.logger.Debug().Err(err).Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()
		gw.serveSocket(req.Context(), conn)
	})
	return mux
}

func (gw *Gateway) serveSocket(ctx context.Context, conn *websocket.Conn) {
	st := NewStream(&wsIterator{conn}, gw.sem)
	defer st.Close()

	var writeMu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)

	for {
		req, err := st.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			gw.logger.Debug().Err(err).Msg("websocket read failed")
			break
		}
		g.Go(func() error {
			defer st.Done()
			return gw.process(ctx, req, func(resp *types.DataResponse) {
				data, err := json.Marshal(resp)
				if err != nil {
					gw.logger.Error().Err(err).Msg("failed to encode response frame")
					return
				}
				writeMu.Lock()
				defer writeMu.Unlock()
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					gw.logger.Debug().Err(err).Msg("websocket write failed")
				}
			})
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		gw.logger.Warn().Err(err).Msg("websocket traversal failed")
	}
	writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	writeMu.Unlock()
}

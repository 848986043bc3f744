package kvserver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/gnet/v2"
	"github.com/pzhenzhou/pipekv/pkg/common"
	"github.com/pzhenzhou/pipekv/pkg/metrics"
	"github.com/pzhenzhou/pipekv/pkg/respio"
)

const (
	Banner = `
        _            _
  _ __ (_)_ __   ___| | ____   __
 | '_ \| | '_ \ / _ \ |/ /\ \ / /
 | |_) | | |_) |  __/   <  \ V /
 | .__/|_| .__/ \___|_|\_\  \_/
 |_|     |_|

`
)

var (
	logger = common.InitLogger().WithName("kv-srv")
)

// KVServer serves the example key-value store over RESP on a gnet event loop. Every traffic
// event decodes as many complete commands as are buffered and answers them with one write, in
// arrival order.
type KVServer struct {
	gnet.BuiltinEventEngine
	config            *common.ServerConfig
	store             *Store
	metricsMiddleware *metrics.MetricsMiddleWare

	mu     sync.Mutex
	eng    gnet.Engine
	booted chan struct{}
}

func NewKVServer(config *common.ServerConfig) *KVServer {
	return &KVServer{
		config: config,
		store:  NewStore(),
		booted: make(chan struct{}),
	}
}

func (s *KVServer) SetMetricsMiddleware(middleware *metrics.MetricsMiddleWare) {
	s.metricsMiddleware = middleware
}

func (s *KVServer) Store() *Store {
	return s.store
}

// Start runs the event loops and blocks until the engine stops.
func (s *KVServer) Start() error {
	opts := s.config.GNetOptions()
	opts = append(opts, gnet.WithReuseAddr(true), gnet.WithReusePort(true))
	addr := fmt.Sprintf("tcp://:%d", s.config.Port)
	logger.Info("Starting KVServer", "address", addr)
	return gnet.Run(s, addr, opts...)
}

// Booted is closed once the listener accepts connections.
func (s *KVServer) Booted() <-chan struct{} {
	return s.booted
}

func (s *KVServer) OnBoot(eng gnet.Engine) gnet.Action {
	s.mu.Lock()
	s.eng = eng
	s.mu.Unlock()
	close(s.booted)
	return gnet.None
}

func (s *KVServer) OnOpen(c gnet.Conn) (out []byte, action gnet.Action) {
	if s.metricsMiddleware != nil {
		s.metricsMiddleware.OnConnectionOpen()
	}
	logger.V(1).Info("KVServer accepted connection", "remote", c.RemoteAddr().String())
	return nil, gnet.None
}

func (s *KVServer) OnTraffic(c gnet.Conn) gnet.Action {
	buf, err := c.Peek(-1)
	if err != nil {
		logger.Error(err, "KVServer failed to peek inbound buffer", "remote", c.RemoteAddr().String())
		return gnet.Close
	}
	frame := respio.AcquireFrame()
	defer respio.ReleaseFrame(frame)

	action := gnet.None
	consumed := 0
	for consumed < len(buf) {
		cmd, n, decodeErr := respio.Decode(buf[consumed:])
		if errors.Is(decodeErr, respio.ErrIncomplete) {
			break
		}
		if decodeErr != nil {
			// the stream cannot be resynchronized, answer once and hang up
			logger.Info("KVServer protocol error", "remote", c.RemoteAddr().String(), "error", decodeErr.Error())
			frame.B, _ = respio.AppendPacket(frame.B, respio.NewError("ERR Protocol error: "+decodeErr.Error()))
			consumed = len(buf)
			action = gnet.Close
			break
		}
		consumed += n
		reply := s.execute(cmd)
		if frame.B, err = respio.AppendPacket(frame.B, reply); err != nil {
			logger.Error(err, "KVServer failed to encode reply", "reply", reply.String())
			return gnet.Close
		}
	}
	if _, err = c.Discard(consumed); err != nil {
		return gnet.Close
	}
	if len(frame.B) > 0 {
		if _, err = c.Write(frame.B); err != nil {
			logger.Error(err, "KVServer failed to write replies", "remote", c.RemoteAddr().String())
			return gnet.Close
		}
	}
	return action
}

func (s *KVServer) execute(cmd *respio.RespPacket) *respio.RespPacket {
	if s.metricsMiddleware != nil {
		return s.metricsMiddleware.WrapCommand(cmd, func() *respio.RespPacket {
			return Execute(s.store, cmd)
		})
	}
	return Execute(s.store, cmd)
}

func (s *KVServer) OnClose(c gnet.Conn, err error) gnet.Action {
	if s.metricsMiddleware != nil {
		s.metricsMiddleware.OnConnectionClose()
	}
	logger.V(1).Info("KVServer closed connection", "remote", c.RemoteAddr().String(), "err", err)
	return gnet.None
}

func (s *KVServer) OnShutdown(eng gnet.Engine) {
	logger.Info("KVServer is shutting down", "keys", s.store.Len())
}

func (s *KVServer) Shutdown(ctx context.Context) {
	s.mu.Lock()
	eng := s.eng
	s.mu.Unlock()
	if err := eng.Validate(); err != nil {
		logger.Info("KVServer engine not running", "reason", err.Error())
		return
	}
	if err := eng.Stop(ctx); err != nil {
		logger.Error(err, "Failed to stop KVServer")
	} else {
		logger.Info("KVServer stopped")
	}
}

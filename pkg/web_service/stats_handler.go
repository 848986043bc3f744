package web_service

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pzhenzhou/pipekv/pkg/kvserver"
)

const (
	StatsPath = "/stats"
)

var _ WebHandler = (*StatsHandler)(nil)

type StoreStats struct {
	Keys int `json:"keys"`
}

// StatsHandler reports the size of the store registered by GlobalStore.
type StatsHandler struct {
}

func (l *StatsHandler) Path() string {
	return StatsPath
}

func (l *StatsHandler) Method() HttpMethod {
	return GET
}

func (l *StatsHandler) Handler(ctx *gin.Context) {
	object, ok := ctx.Get(StateKeyStore)
	if !ok {
		ctx.JSON(http.StatusServiceUnavailable, ApiResponse{
			Code:    http.StatusServiceUnavailable,
			Message: "store not available",
		})
		return
	}
	store := object.(*kvserver.Store)
	ctx.JSON(http.StatusOK, ApiResponse{
		Code:    http.StatusOK,
		Message: "success",
		Data:    StoreStats{Keys: store.Len()},
	})
}

// MetricsHandler exposes a collector on the configured metrics path.
type MetricsHandler struct {
	path    string
	handler gin.HandlerFunc
}

var _ WebHandler = (*MetricsHandler)(nil)

func (m *MetricsHandler) Path() string {
	return m.path
}

func (m *MetricsHandler) Method() HttpMethod {
	return GET
}

func (m *MetricsHandler) Handler(ctx *gin.Context) {
	m.handler(ctx)
}

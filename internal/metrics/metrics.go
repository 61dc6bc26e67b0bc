package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_active_connections",
		Help: "Active websocket connections",
	})

	MessagesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messages_appended_total",
		Help: "Messages stored across all conversations",
	})

	NotificationsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_dispatched_total",
		Help: "Notification channel deliveries by result",
	}, []string{"channel", "result"})

	NotificationsDeferred = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_deferred_total",
		Help: "Deliveries postponed by quiet hours",
	}, []string{"channel"})

	DroppedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_dropped_frames_total",
		Help: "Outbound frames dropped because a client could not keep up",
	})
)

var once sync.Once

func Init() {
	once.Do(func() {
		prometheus.MustRegister(Connections, MessagesAppended, NotificationsDispatched, NotificationsDeferred, DroppedFrames)
	})
}

// Handler returns an http.Handler for Prometheus scraping
func Handler() http.Handler {
	return promhttp.Handler()
}

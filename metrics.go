package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cache metrics
	messagesCached = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_messages_cached_total",
			Help: "Messages appended to the room cache",
		},
	)

	cacheWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_cache_write_failures_total",
			Help: "Swallowed cache write failures",
		},
	)

	// Sync metrics
	reconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_reconciliations_total",
			Help: "Snapshot reconciliations by outcome",
		},
		[]string{"outcome"}, // "changed" or "clean"
	)

	roomLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_room_loads_total",
			Help: "Room load attempts by status",
		},
		[]string{"status"}, // "ok" or "error"
	)

	// Socket metrics
	socketEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_socket_events_total",
			Help: "Socket events received by event name",
		},
		[]string{"event"},
	)

	socketReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_socket_connects_total",
			Help: "Socket connections established",
		},
	)

	// Notification metrics
	notificationsStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_notifications_stored_total",
			Help: "Push payloads written to the cache",
		},
	)

	notificationTapsDeduped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_notification_taps_deduped_total",
			Help: "Notification taps suppressed as duplicates",
		},
	)
)

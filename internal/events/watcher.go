package events

import (
	"context"
	"fmt"
	"time"

	"dicomview/internal/logging"
	"dicomview/internal/orthanc"
	"dicomview/internal/scheduler"
	"dicomview/internal/viewer"

	"go.uber.org/zap"
)

// ChangeWatcher follows the change feed of the DICOM store. On the
// reception of a new instance it invalidates the cached descriptor of
// the parent series, so the next access re-orders the instances, and
// notifies connected viewer clients.
type ChangeWatcher struct {
	client    *orthanc.Client
	scheduler *scheduler.Scheduler
	hub       *Hub
	interval  time.Duration

	since  int64
	stopCh chan struct{}
}

// NewChangeWatcher builds a watcher polling the store every interval.
func NewChangeWatcher(client *orthanc.Client, sched *scheduler.Scheduler, hub *Hub,
	interval time.Duration) *ChangeWatcher {

	return &ChangeWatcher{
		client:    client,
		scheduler: sched,
		hub:       hub,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start begins polling in a background goroutine.
func (w *ChangeWatcher) Start(ctx context.Context) {
	go func() {
		// Skip the backlog: only changes after startup matter, the
		// version check already cleared a stale cache.
		w.seekToEnd()

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.poll()
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the polling goroutine.
func (w *ChangeWatcher) Stop() {
	close(w.stopCh)
}

func (w *ChangeWatcher) seekToEnd() {
	var last struct {
		Last int64 `json:"Last"`
	}
	if ok, err := w.client.GetJSON("/changes?last", &last); err != nil || !ok {
		if err != nil {
			logging.Component("events").Warn("Cannot read the change feed of the DICOM store", zap.Error(err))
		}
		return
	}
	w.since = last.Last
}

type change struct {
	ChangeType string `json:"ChangeType"`
	ID         string `json:"ID"`
	Seq        int64  `json:"Seq"`
}

func (w *ChangeWatcher) poll() {
	for {
		var feed struct {
			Changes []change `json:"Changes"`
			Done    bool     `json:"Done"`
			Last    int64    `json:"Last"`
		}
		uri := fmt.Sprintf("/changes?since=%d&limit=100", w.since)
		if ok, err := w.client.GetJSON(uri, &feed); err != nil || !ok {
			if err != nil {
				logging.Component("events").Warn("Cannot poll the change feed", zap.Error(err))
			}
			return
		}

		for _, c := range feed.Changes {
			if c.ChangeType == "NewInstance" {
				w.onNewInstance(c.ID)
			}
		}

		w.since = feed.Last
		if feed.Done || len(feed.Changes) == 0 {
			return
		}
	}
}

// onNewInstance invalidates the parent series of a freshly received
// instance.
func (w *ChangeWatcher) onNewInstance(instanceID string) {
	var instance struct {
		ParentSeries string `json:"ParentSeries"`
	}
	if ok, err := w.client.GetJSON("/instances/"+instanceID, &instance); err != nil || !ok {
		if err != nil {
			logging.Component("events").Warn("Cannot resolve the parent series of a new instance",
				zap.String("instance", instanceID), zap.Error(err))
		}
		return
	}

	if err := w.scheduler.Invalidate(viewer.BundleSeriesInformation, instance.ParentSeries); err != nil {
		logging.Component("events").Warn("Cannot invalidate series information",
			zap.String("series", instance.ParentSeries), zap.Error(err))
		return
	}

	if w.hub != nil {
		w.hub.Broadcast(Notification{Event: "series-updated", Series: instance.ParentSeries})
	}
}

package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/coi-compliance-api/internal/models"
	"github.com/noah-isme/coi-compliance-api/pkg/notify"
)

type recordingNotifier struct {
	mu      sync.Mutex
	failFor map[string]int
	sent    []notify.Message
}

func (n *recordingNotifier) Send(ctx context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if remaining := n.failFor[msg.To]; remaining > 0 {
		n.failFor[msg.To] = remaining - 1
		return errors.New("smtp unavailable")
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) sentTo() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, msg := range n.sent {
		out = append(out, msg.To)
	}
	return out
}

type memoryDeliveries struct {
	mu   sync.Mutex
	rows map[string]models.NotificationDelivery
}

func newMemoryDeliveries() *memoryDeliveries {
	return &memoryDeliveries{rows: make(map[string]models.NotificationDelivery)}
}

func (m *memoryDeliveries) ListDeliveries(ctx context.Context, coiID, key string) ([]models.NotificationDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.NotificationDelivery, 0)
	for _, row := range m.rows {
		if row.COIID == coiID && row.DispatchKey == key {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *memoryDeliveries) SaveDelivery(ctx context.Context, row *models.NotificationDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[strings.Join([]string{row.COIID, row.DispatchKey, string(row.Channel), row.Recipient}, "|")] = *row
	return nil
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingMetrics) RecordNotificationDelivery(event, channel, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[status]++
}

func reviewRecord() *models.COIRecord {
	record := singleRecord("NY")
	record.ProjectName = "Tower <b>One</b>"
	record.SubcontractorName = "Acme Steel"
	record.GCEmail = "gc@example.com"
	record.AdminEmails = []string{"admin1@example.com", "admin2@example.com"}
	return record
}

func newTestDispatcher(notifier notify.Notifier, deliveries deliveryStore, metrics deliveryMetrics) *NotificationDispatcher {
	return NewNotificationDispatcher(notifier, deliveries, nil, metrics, nil, DispatcherOptions{
		Timeout:           time.Second,
		Retries:           2,
		RetryDelay:        time.Millisecond,
		ManualAdminEmails: []string{"ops@example.com"},
		PortalURL:         "https://portal.example.com",
	}, nil)
}

func TestNotifyRetriesOnlyFailedRecipients(t *testing.T) {
	notifier := &recordingNotifier{failFor: map[string]int{"admin2@example.com": 2}}
	deliveries := newMemoryDeliveries()
	metrics := &countingMetrics{}
	dispatcher := newTestDispatcher(notifier, deliveries, metrics)
	record := reviewRecord()

	first := dispatcher.Notify(context.Background(), models.NotificationEvent{Type: models.EventReviewRequested}, record)
	require.Len(t, first.Results, 2)
	failed := first.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "admin2@example.com", failed[0].Recipient)
	assert.Equal(t, 2, failed[0].Attempts)
	assert.Equal(t, []string{"admin1@example.com"}, notifier.sentTo())

	second := dispatcher.Notify(context.Background(), models.NotificationEvent{Type: models.EventReviewRequested}, record)
	assert.True(t, second.OK())
	assert.Equal(t, 1, second.Sent())
	assert.ElementsMatch(t, []string{"admin1@example.com", "admin2@example.com"}, notifier.sentTo())

	for _, res := range second.Results {
		if res.Recipient == "admin1@example.com" {
			assert.Equal(t, models.DeliveryStatusSkipped, res.Status)
		}
	}
	rows, err := deliveries.ListDeliveries(context.Background(), record.ID, second.DispatchKey)
	require.NoError(t, err)
	for _, row := range rows {
		assert.Equal(t, models.DeliveryStatusSent, row.Status)
		if row.Recipient == "admin2@example.com" {
			assert.Equal(t, 3, row.Attempts)
		}
	}
	assert.Equal(t, 2, metrics.counts["sent"])
	assert.Equal(t, 1, metrics.counts["failed"])
}

func TestNotifyNewReviewCycleSendsAgain(t *testing.T) {
	notifier := &recordingNotifier{}
	dispatcher := newTestDispatcher(notifier, newMemoryDeliveries(), nil)
	record := reviewRecord()

	dispatcher.Notify(context.Background(), models.NotificationEvent{Type: models.EventReviewRequested}, record)
	record.RetryCount++
	report := dispatcher.Notify(context.Background(), models.NotificationEvent{Type: models.EventReviewRequested}, record)

	assert.Equal(t, "review_requested:1", report.DispatchKey)
	assert.Equal(t, 2, report.Sent())
	assert.Len(t, notifier.sentTo(), 4)
}

func TestNotifyRecipients(t *testing.T) {
	notifier := &recordingNotifier{}
	dispatcher := newTestDispatcher(notifier, nil, nil)
	record := reviewRecord()
	record.AdminEmails = nil

	report := dispatcher.Notify(context.Background(), models.NotificationEvent{Type: models.EventReviewRequested}, record)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "ops@example.com", report.Results[0].Recipient)

	report = dispatcher.Notify(context.Background(), models.NotificationEvent{Type: models.EventApproved}, record)
	assert.ElementsMatch(t, []string{"broker@example.com", "gc@example.com"}, recipientsOf(report))

	report = dispatcher.Notify(context.Background(), models.NotificationEvent{Type: models.EventBrokerConfirmation, Actor: brokerActor}, record)
	assert.Equal(t, []string{"broker@example.com"}, recipientsOf(report))

	report = dispatcher.Notify(context.Background(), models.NotificationEvent{
		Type:    models.EventBrokerAssigned,
		Brokers: []models.BrokerContact{{Email: "New@Broker.com"}},
	}, record)
	assert.Equal(t, []string{"new@broker.com"}, recipientsOf(report))
}

func TestNotifyEscapesRecordValues(t *testing.T) {
	notifier := &recordingNotifier{}
	dispatcher := newTestDispatcher(notifier, nil, nil)

	dispatcher.Notify(context.Background(), models.NotificationEvent{Type: models.EventApproved}, reviewRecord())

	require.NotEmpty(t, notifier.sent)
	msg := notifier.sent[0]
	assert.Contains(t, msg.Subject, "Tower <b>One</b>")
	assert.NotContains(t, msg.HTML, "<b>One</b>")
	assert.Contains(t, msg.HTML, "https://portal.example.com/cois/coi-1")
}

func recipientsOf(report *models.DispatchReport) []string {
	out := make([]string, 0, len(report.Results))
	for _, res := range report.Results {
		out = append(out, res.Recipient)
	}
	return out
}

package service

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/coi-compliance-api/internal/models"
	"github.com/noah-isme/coi-compliance-api/pkg/config"
	"github.com/noah-isme/coi-compliance-api/pkg/notify"
)

type deliveryStore interface {
	ListDeliveries(ctx context.Context, coiID, dispatchKey string) ([]models.NotificationDelivery, error)
	SaveDelivery(ctx context.Context, delivery *models.NotificationDelivery) error
}

type inAppStore interface {
	CreateInApp(ctx context.Context, notification *models.InAppNotification) error
}

type deliveryMetrics interface {
	RecordNotificationDelivery(event, channel, status string)
}

// DispatcherOptions bounds each delivery.
type DispatcherOptions struct {
	Timeout           time.Duration
	Retries           int
	RetryDelay        time.Duration
	ManualAdminEmails []string
	PortalURL         string
}

// DispatcherOptionsFromConfig maps notification config onto dispatcher options.
func DispatcherOptionsFromConfig(cfg config.NotificationConfig) DispatcherOptions {
	return DispatcherOptions{
		Timeout:           cfg.DeliveryTimeout,
		Retries:           cfg.DeliveryRetries,
		RetryDelay:        cfg.RetryDelay,
		ManualAdminEmails: cfg.ManualAdminEmails,
		PortalURL:         cfg.PortalURL,
	}
}

// NotificationDispatcher fans workflow events out to brokers, admins and GCs. Every delivery is
// attempted on its own; failures end up in the DispatchReport and never propagate.
type NotificationDispatcher struct {
	notifier   notify.Notifier
	deliveries deliveryStore
	inbox      inAppStore
	metrics    deliveryMetrics
	catalog    *PolicyCatalog
	opts       DispatcherOptions
	logger     *zap.Logger
	now        func() time.Time
}

// NewNotificationDispatcher wires a dispatcher. deliveries, inbox and metrics may be nil.
func NewNotificationDispatcher(notifier notify.Notifier, deliveries deliveryStore, inbox inAppStore, metrics deliveryMetrics, catalog *PolicyCatalog, opts DispatcherOptions, logger *zap.Logger) *NotificationDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Retries <= 0 {
		opts.Retries = 1
	}
	if catalog == nil {
		catalog = NewPolicyCatalog(config.WorkflowConfig{})
	}
	return &NotificationDispatcher{
		notifier:   notifier,
		deliveries: deliveries,
		inbox:      inbox,
		metrics:    metrics,
		catalog:    catalog,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
	}
}

type recipient struct {
	email   string
	channel models.NotificationChannel
}

func (r recipient) key() string {
	return string(r.channel) + "|" + r.email
}

// DispatchKey identifies one logical dispatch. Each review cycle gets its own key so a reopened
// record notifies again, while a repeated dispatch inside a cycle only retries failed recipients.
// Broker assignments are also keyed by the record version they were saved at, so a broker removed
// and later reassigned is told again.
func DispatchKey(event models.NotificationEventType, record *models.COIRecord) string {
	if event == models.EventBrokerAssigned {
		return fmt.Sprintf("%s:%d:v%d", event, record.RetryCount, record.Version)
	}
	return fmt.Sprintf("%s:%d", event, record.RetryCount)
}

// Notify delivers event for record. Recipients already marked sent under the same dispatch key
// are skipped, so calling Notify again after a partial failure only retries the failed ones.
func (d *NotificationDispatcher) Notify(ctx context.Context, event models.NotificationEvent, record *models.COIRecord) *models.DispatchReport {
	key := DispatchKey(event.Type, record)
	report := &models.DispatchReport{Event: event.Type, COIID: record.ID, DispatchKey: key, Results: []models.DeliveryResult{}}

	emails := d.recipients(event, record)
	if len(emails) == 0 {
		d.logger.Warn("notification has no recipients", zap.String("event", string(event.Type)), zap.String("coi_id", record.ID))
		return report
	}

	prior := d.priorDeliveries(ctx, record.ID, key)
	targets := make([]recipient, 0, len(emails)*2)
	for _, email := range emails {
		targets = append(targets, recipient{email: email, channel: models.ChannelEmail})
		if d.inbox != nil {
			targets = append(targets, recipient{email: email, channel: models.ChannelInApp})
		}
	}

	subject, body := d.compose(event, record)
	results := make([]models.DeliveryResult, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		if prev, ok := prior[target.key()]; ok && prev.Status == models.DeliveryStatusSent {
			results[i] = models.DeliveryResult{Channel: target.channel, Recipient: target.email, Status: models.DeliveryStatusSkipped, Attempts: 0}
			continue
		}
		wg.Add(1)
		go func(i int, target recipient, prev *models.NotificationDelivery) {
			defer wg.Done()
			results[i] = d.deliver(ctx, event.Type, record, key, target, prev, subject, body)
		}(i, target, lookupDelivery(prior, target))
	}
	wg.Wait()

	report.Results = results
	if failed := report.Failed(); len(failed) > 0 {
		d.logger.Warn("notification partially failed",
			zap.String("event", string(event.Type)),
			zap.String("coi_id", record.ID),
			zap.Int("failed", len(failed)),
			zap.Int("total", len(results)),
		)
	}
	return report
}

func lookupDelivery(prior map[string]models.NotificationDelivery, target recipient) *models.NotificationDelivery {
	prev, ok := prior[target.key()]
	if !ok {
		return nil
	}
	return &prev
}

func (d *NotificationDispatcher) priorDeliveries(ctx context.Context, coiID, key string) map[string]models.NotificationDelivery {
	out := make(map[string]models.NotificationDelivery)
	if d.deliveries == nil {
		return out
	}
	rows, err := d.deliveries.ListDeliveries(ctx, coiID, key)
	if err != nil {
		d.logger.Warn("failed to load delivery state, sending to every recipient", zap.String("coi_id", coiID), zap.Error(err))
		return out
	}
	for _, row := range rows {
		out[recipient{email: row.Recipient, channel: row.Channel}.key()] = row
	}
	return out
}

func (d *NotificationDispatcher) deliver(ctx context.Context, event models.NotificationEventType, record *models.COIRecord, key string, target recipient, prev *models.NotificationDelivery, subject, body string) models.DeliveryResult {
	result := models.DeliveryResult{Channel: target.channel, Recipient: target.email}

	var lastErr error
	for attempt := 1; attempt <= d.opts.Retries; attempt++ {
		result.Attempts = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
		lastErr = d.send(attemptCtx, event, record, target, subject, body)
		cancel()
		if lastErr == nil {
			break
		}
		if attempt < d.opts.Retries && !sleepCtx(ctx, d.opts.RetryDelay) {
			break
		}
	}

	result.Status = models.DeliveryStatusSent
	if lastErr != nil {
		result.Status = models.DeliveryStatusFailed
		result.Error = lastErr.Error()
	}
	if d.metrics != nil {
		d.metrics.RecordNotificationDelivery(string(event), string(target.channel), string(result.Status))
	}
	d.persist(ctx, record.ID, key, event, target, prev, result)
	return result
}

func (d *NotificationDispatcher) send(ctx context.Context, event models.NotificationEventType, record *models.COIRecord, target recipient, subject, body string) error {
	switch target.channel {
	case models.ChannelInApp:
		return d.inbox.CreateInApp(ctx, &models.InAppNotification{
			ID:        uuid.NewString(),
			Recipient: target.email,
			COIID:     record.ID,
			Event:     string(event),
			Title:     subject,
			Body:      body,
			CreatedAt: d.now().UTC(),
		})
	default:
		if d.notifier == nil {
			return fmt.Errorf("no notifier configured")
		}
		return d.notifier.Send(ctx, notify.Message{To: target.email, Subject: subject, HTML: body})
	}
}

func (d *NotificationDispatcher) persist(ctx context.Context, coiID, key string, event models.NotificationEventType, target recipient, prev *models.NotificationDelivery, result models.DeliveryResult) {
	if d.deliveries == nil {
		return
	}
	now := d.now().UTC()
	row := &models.NotificationDelivery{
		ID:          uuid.NewString(),
		COIID:       coiID,
		DispatchKey: key,
		Event:       string(event),
		Channel:     target.channel,
		Recipient:   target.email,
		Status:      result.Status,
		Attempts:    result.Attempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if prev != nil {
		row.ID = prev.ID
		row.Attempts += prev.Attempts
		row.CreatedAt = prev.CreatedAt
	}
	if result.Error != "" {
		msg := result.Error
		row.LastError = &msg
	}
	if err := d.deliveries.SaveDelivery(ctx, row); err != nil {
		d.logger.Warn("failed to persist delivery state", zap.String("coi_id", coiID), zap.String("recipient", target.email), zap.Error(err))
	}
}

// recipients returns the normalised, de-duplicated email list for an event.
func (d *NotificationDispatcher) recipients(event models.NotificationEvent, record *models.COIRecord) []string {
	var raw []string
	switch event.Type {
	case models.EventBrokerAssigned:
		brokers := event.Brokers
		if len(brokers) == 0 {
			brokers = record.Brokers()
		}
		for _, b := range brokers {
			raw = append(raw, b.Email)
		}
	case models.EventReviewRequested:
		raw = append(raw, record.AdminEmails...)
		if len(dedupeEmails(raw)) == 0 {
			raw = append(raw, d.opts.ManualAdminEmails...)
		}
	case models.EventApproved, models.EventRejected:
		for _, b := range record.Brokers() {
			raw = append(raw, b.Email)
		}
		raw = append(raw, record.GCEmail)
	case models.EventBrokerConfirmation:
		if event.Actor != nil && event.Actor.Email != "" {
			raw = append(raw, event.Actor.Email)
		} else if record.Signature != nil {
			raw = append(raw, record.Signature.SignerEmail)
		}
	}
	return dedupeEmails(raw)
}

func (d *NotificationDispatcher) compose(event models.NotificationEvent, record *models.COIRecord) (string, string) {
	sub := notify.Plain(record.SubcontractorName)
	project := notify.Plain(record.ProjectName)
	link := fmt.Sprintf("%s/cois/%s", d.opts.PortalURL, record.ID)

	var subject, lead string
	switch event.Type {
	case models.EventBrokerAssigned:
		subject = fmt.Sprintf("Certificate of insurance requested: %s on %s", record.SubcontractorName, record.ProjectName)
		lead = fmt.Sprintf("You have been assigned to provide insurance documents for <strong>%s</strong> on project <strong>%s</strong>. Policies: %s.", sub, project, d.policyList(record))
	case models.EventReviewRequested:
		subject = fmt.Sprintf("COI ready for review: %s on %s", record.SubcontractorName, record.ProjectName)
		lead = fmt.Sprintf("The broker submitted insurance documents for <strong>%s</strong> on project <strong>%s</strong>.", sub, project)
	case models.EventApproved:
		subject = fmt.Sprintf("COI approved: %s on %s", record.SubcontractorName, record.ProjectName)
		lead = fmt.Sprintf("The certificate of insurance for <strong>%s</strong> on project <strong>%s</strong> is approved and active.", sub, project)
	case models.EventRejected:
		reason := ""
		if record.RejectionReason != nil {
			reason = notify.Plain(*record.RejectionReason)
		}
		subject = fmt.Sprintf("COI needs corrections: %s on %s", record.SubcontractorName, record.ProjectName)
		lead = fmt.Sprintf("The certificate of insurance for <strong>%s</strong> on project <strong>%s</strong> was rejected. Reason: %s", sub, project, reason)
	case models.EventBrokerConfirmation:
		subject = fmt.Sprintf("Submission received: %s on %s", record.SubcontractorName, record.ProjectName)
		lead = fmt.Sprintf("We received your submission for <strong>%s</strong> on project <strong>%s</strong>. An administrator will review it shortly.", sub, project)
	default:
		subject = fmt.Sprintf("COI update: %s on %s", record.SubcontractorName, record.ProjectName)
		lead = "The certificate of insurance record was updated."
	}

	body := fmt.Sprintf(`<p>%s</p><p><a href="%s">Open the record</a></p>`, lead, html.EscapeString(link))
	return subject, notify.SanitizeHTML(body)
}

func (d *NotificationDispatcher) policyList(record *models.COIRecord) string {
	labels := make([]string, 0, len(record.Policies))
	for _, line := range record.Policies {
		labels = append(labels, html.EscapeString(d.catalog.Label(line.Kind)))
	}
	return strings.Join(labels, ", ")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/davidmoltin/record-automation/internal/engine"
	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/config"
	"github.com/davidmoltin/record-automation/pkg/logger"
	"github.com/davidmoltin/record-automation/pkg/metrics"
)

// NotificationChannel represents different notification channels
type NotificationChannel string

const (
	ChannelInApp NotificationChannel = "in_app"
	ChannelEmail NotificationChannel = "email"
	ChannelSMS   NotificationChannel = "sms"
	ChannelSlack NotificationChannel = "slack"
)

// NotificationStore persists in-app notifications
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
}

// NotificationService delivers messages for the send_* actions and alerts
// operators when an execution fails for good
type NotificationService struct {
	config      *config.NotificationConfig
	store       NotificationStore
	logger      *logger.Logger
	emailClient *EmailClient
	slackClient *SlackClient
	smsClient   *SMSClient
	httpClient  *http.Client
	templates   *NotificationTemplates
}

// EmailClient handles email sending
type EmailClient struct {
	smtpHost string
	smtpPort int
	username string
	password string
	from     string
	send     func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// SlackClient handles Slack notifications
type SlackClient struct {
	webhookURL string
}

// SMSClient posts messages to an HTTP SMS gateway behind a circuit breaker
type SMSClient struct {
	gatewayURL string
	apiKey     string
	sender     string
	breaker    *gobreaker.CircuitBreaker
}

// NotificationTemplates holds parsed email templates
type NotificationTemplates struct {
	Message         *template.Template
	ExecutionFailed *template.Template
}

// MessageEmailData is rendered into the message layout
type MessageEmailData struct {
	Subject    string
	Paragraphs []string
}

// ExecutionFailureData holds data for failure alerts
type ExecutionFailureData struct {
	ExecutionID  string
	RuleID       string
	RuleName     string
	TriggerType  string
	SubjectID    string
	Reason       string
	RetryCount   int
	MaxRetries   int
	ExecutionURL string
	Timestamp    string
}

// NewNotificationService creates a new notification service. store may be nil,
// which disables in-app notifications.
func NewNotificationService(cfg *config.NotificationConfig, store NotificationStore, log *logger.Logger) (*NotificationService, error) {
	var emailClient *EmailClient
	if cfg.Email.Enabled {
		emailClient = &EmailClient{
			smtpHost: cfg.Email.SMTPHost,
			smtpPort: cfg.Email.SMTPPort,
			username: cfg.Email.SMTPUser,
			password: cfg.Email.SMTPPassword,
			from:     cfg.Email.FromAddress,
			send:     smtp.SendMail,
		}
	}

	var slackClient *SlackClient
	if cfg.Slack.Enabled && cfg.Slack.WebhookURL != "" {
		slackClient = &SlackClient{webhookURL: cfg.Slack.WebhookURL}
	}

	var smsClient *SMSClient
	if cfg.SMS.Enabled && cfg.SMS.GatewayURL != "" {
		smsClient = &SMSClient{
			gatewayURL: cfg.SMS.GatewayURL,
			apiKey:     cfg.SMS.APIKey,
			sender:     cfg.SMS.Sender,
			breaker:    newGatewayBreaker("sms-gateway", log),
		}
	}

	templates, err := loadNotificationTemplates()
	if err != nil {
		return nil, fmt.Errorf("failed to load notification templates: %w", err)
	}

	return &NotificationService{
		config:      cfg,
		store:       store,
		logger:      log,
		emailClient: emailClient,
		slackClient: slackClient,
		smsClient:   smsClient,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		templates:   templates,
	}, nil
}

func newGatewayBreaker(name string, log *logger.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warnf("Circuit breaker %s state changed: %s -> %s", name, from.String(), to.String())
		},
	})
}

// Notify implements engine.Notifier
func (s *NotificationService) Notify(ctx context.Context, n *models.Notification) error {
	if s.store == nil {
		return engine.ErrCollaboratorUnavailable
	}
	err := s.store.CreateNotification(ctx, n)
	s.record(ChannelInApp, err)
	if err != nil {
		return fmt.Errorf("failed to store notification: %w", err)
	}
	return nil
}

// SendEmail implements engine.Mailer. body is plain text; blank lines separate paragraphs.
func (s *NotificationService) SendEmail(ctx context.Context, to []string, subject, body string) error {
	if s.emailClient == nil {
		return engine.ErrCollaboratorUnavailable
	}

	var html bytes.Buffer
	data := MessageEmailData{Subject: subject, Paragraphs: splitParagraphs(body)}
	if err := s.templates.Message.Execute(&html, data); err != nil {
		return fmt.Errorf("failed to render email template: %w", err)
	}

	err := s.sendEmail(to, subject, html.String())
	s.record(ChannelEmail, err)
	return err
}

// SendSMS implements engine.SMSSender
func (s *NotificationService) SendSMS(ctx context.Context, to, body string) error {
	if s.smsClient == nil {
		return engine.ErrCollaboratorUnavailable
	}

	_, err := s.smsClient.breaker.Execute(func() (interface{}, error) {
		return nil, s.postSMS(ctx, to, body)
	})
	s.record(ChannelSMS, err)
	if err != nil {
		return fmt.Errorf("failed to send sms: %w", err)
	}
	return nil
}

// NotifyExecutionFailure implements engine.FailureNotifier. It alerts the
// configured recipients by email and Slack; delivery errors are joined.
func (s *NotificationService) NotifyExecutionFailure(ctx context.Context, exec *models.Execution, reason string) error {
	data := s.prepareFailureData(exec, reason)

	var errs []error

	if s.emailClient != nil && len(s.config.FailureRecipients) > 0 {
		var body bytes.Buffer
		if err := s.templates.ExecutionFailed.Execute(&body, data); err != nil {
			errs = append(errs, fmt.Errorf("failed to render failure template: %w", err))
		} else {
			subject := fmt.Sprintf("Automation failed: %s", data.RuleName)
			err := s.sendEmail(s.config.FailureRecipients, subject, body.String())
			s.record(ChannelEmail, err)
			if err != nil {
				s.logger.Errorf("Failed to send failure email: %v", err)
				errs = append(errs, err)
			}
		}
	}

	if s.slackClient != nil {
		err := s.sendFailureSlackMessage(ctx, data, exec)
		s.record(ChannelSlack, err)
		if err != nil {
			s.logger.Errorf("Failed to send Slack notification: %v", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %v", errs)
	}
	return nil
}

func (s *NotificationService) prepareFailureData(exec *models.Execution, reason string) ExecutionFailureData {
	data := ExecutionFailureData{
		ExecutionID:  exec.ID.String(),
		RuleID:       exec.RuleID.String(),
		RuleName:     exec.RuleSnapshot.Name,
		TriggerType:  string(exec.TriggerType),
		Reason:       reason,
		RetryCount:   exec.RetryCount,
		MaxRetries:   exec.MaxRetries,
		ExecutionURL: fmt.Sprintf("%s/api/v1/executions/%s", strings.TrimRight(s.config.BaseURL, "/"), exec.ID),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	if data.RuleName == "" {
		data.RuleName = data.RuleID
	}
	if exec.SubjectID != nil {
		data.SubjectID = *exec.SubjectID
	}
	if exec.CompletedAt != nil {
		data.Timestamp = exec.CompletedAt.UTC().Format(time.RFC3339)
	}
	return data
}

func (s *NotificationService) sendEmail(to []string, subject, html string) error {
	var message strings.Builder
	fmt.Fprintf(&message, "From: %s\r\n", s.emailClient.from)
	fmt.Fprintf(&message, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&message, "Subject: %s\r\n", subject)
	message.WriteString("MIME-Version: 1.0\r\n")
	message.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	message.WriteString("\r\n")
	message.WriteString(html)

	var auth smtp.Auth
	if s.emailClient.username != "" {
		auth = smtp.PlainAuth("", s.emailClient.username, s.emailClient.password, s.emailClient.smtpHost)
	}
	addr := fmt.Sprintf("%s:%d", s.emailClient.smtpHost, s.emailClient.smtpPort)

	if err := s.emailClient.send(addr, auth, s.emailClient.from, to, []byte(message.String())); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Debugf("Email sent to %d recipient(s)", len(to))
	return nil
}

func (s *NotificationService) postSMS(ctx context.Context, to, body string) error {
	payload, err := json.Marshal(map[string]string{
		"from": s.smsClient.sender,
		"to":   to,
		"body": body,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal sms payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.smsClient.gatewayURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.smsClient.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.smsClient.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *NotificationService) sendFailureSlackMessage(ctx context.Context, data ExecutionFailureData, exec *models.Execution) error {
	text := fmt.Sprintf("*Rule:* %s\n*Trigger:* %s\n*Reason:* %s", data.RuleName, data.TriggerType, data.Reason)
	if data.SubjectID != "" {
		text += fmt.Sprintf("\n*Record:* %s", data.SubjectID)
	}
	if data.MaxRetries > 0 {
		text += fmt.Sprintf("\n*Attempts:* %d of %d", data.RetryCount+1, data.MaxRetries+1)
	}

	ts := exec.CreatedAt
	if exec.CompletedAt != nil {
		ts = *exec.CompletedAt
	}

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":      "#F44336",
				"title":      fmt.Sprintf("Automation failed: %s", data.RuleName),
				"title_link": data.ExecutionURL,
				"text":       text,
				"footer":     "Record Automation",
				"ts":         ts.Unix(),
			},
		},
	}

	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal Slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.slackClient.webhookURL, bytes.NewReader(jsonPayload))
	if err != nil {
		return fmt.Errorf("failed to create Slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Slack request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned non-200 status: %d", resp.StatusCode)
	}
	return nil
}

func (s *NotificationService) record(channel NotificationChannel, err error) {
	status := "sent"
	if err != nil {
		status = "failed"
	}
	metrics.NotificationsSent.WithLabelValues(string(channel), status).Inc()
}

func splitParagraphs(body string) []string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	var out []string
	for _, p := range strings.Split(body, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadNotificationTemplates loads email templates
func loadNotificationTemplates() (*NotificationTemplates, error) {
	messageTmpl, err := template.New("message").Parse(messageEmailTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message template: %w", err)
	}

	failedTmpl, err := template.New("execution_failed").Parse(executionFailedEmailTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse execution failed template: %w", err)
	}

	return &NotificationTemplates{
		Message:         messageTmpl,
		ExecutionFailed: failedTmpl,
	}, nil
}

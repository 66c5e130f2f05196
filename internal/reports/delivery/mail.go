package delivery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"report-scheduler/execution-engine/internal/reports"
	"report-scheduler/execution-engine/internal/reports/timerange"
)

// SMTPOptions is the outbound mail server configuration.
type SMTPOptions struct {
	Host        string
	Port        int
	Username    string
	Password    string
	FromAddress string
	FromName    string
}

// mailSettings is the mail channel's delivery_config shape. Subject and body
// are templates substituted against the execution's variables.
type mailSettings struct {
	Subject     string `json:"subject,omitempty"`
	Body        string `json:"body,omitempty"`
	FromAddress string `json:"from_address,omitempty"`
	FromName    string `json:"from_name,omitempty"`
}

// Dialer sends assembled messages. Satisfied by *gomail.Dialer.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// MailChannel sends the rendered file as an attachment to the delivery's
// active recipients.
type MailChannel struct {
	options SMTPOptions
	dialer  Dialer
	policy  func(maxRetry, intervalMinutes int) Policy
	logger  *zap.Logger
}

// NewMailChannel builds a mail channel over a gomail SMTP dialer.
func NewMailChannel(options SMTPOptions, logger *zap.Logger) *MailChannel {
	dialer := gomail.NewDialer(options.Host, options.Port, options.Username, options.Password)
	return NewMailChannelWithDialer(options, dialer, logger)
}

// NewMailChannelWithDialer builds a mail channel with an explicit dialer.
func NewMailChannelWithDialer(options SMTPOptions, dialer Dialer, logger *zap.Logger) *MailChannel {
	return &MailChannel{
		options: options,
		dialer:  dialer,
		policy:  MailPolicy,
		logger:  logger,
	}
}

// Method implements Channel.
func (c *MailChannel) Method() reports.DeliveryMethod { return reports.DeliveryMethodEmail }

// Deliver implements Channel.
func (c *MailChannel) Deliver(ctx context.Context, target *reports.ReportDelivery, req *Request) Outcome {
	recipients := target.ActiveRecipients()
	if len(recipients) == 0 {
		return Outcome{
			Status: reports.DeliveryLogStatusFailed,
			Err:    fmt.Errorf("no active recipients for delivery %d", target.ID),
		}
	}

	var settings mailSettings
	if err := parseSettings(target.DeliveryConfig, &settings); err != nil {
		return c.failed(recipients, 0, fmt.Errorf("invalid mail settings: %w", err))
	}

	subject := settings.Subject
	if subject == "" {
		subject = fmt.Sprintf("Report: %s", req.Config.ReportName)
	}
	body := settings.Body
	if body == "" {
		body = fmt.Sprintf("Please find attached report: %s", req.Config.ReportName)
	}
	subject = timerange.Replace(subject, req.Vars)
	body = timerange.Replace(body, req.Vars)

	fromAddress := settings.FromAddress
	if fromAddress == "" {
		fromAddress = c.options.FromAddress
	}
	fromName := settings.FromName
	if fromName == "" {
		fromName = c.options.FromName
	}

	fileName := filepath.Base(req.FilePath)
	info, err := os.Stat(req.FilePath)
	if err != nil {
		return c.failed(recipients, 0, fmt.Errorf("report file unavailable: %w", err))
	}
	fileSize := info.Size()

	c.logger.Info("Sending report mail",
		zap.String("execution_id", req.ExecutionID),
		zap.Strings("recipients", recipients),
		zap.String("subject", subject),
		zap.String("attachment", fileName))

	policy := c.policy(target.MaxRetry, target.RetryIntervalMinutes)
	attempt, err := policy.Run(ctx, func(ctx context.Context) error {
		m := gomail.NewMessage()
		m.SetAddressHeader("From", fromAddress, fromName)
		m.SetHeader("To", recipients...)
		m.SetHeader("Subject", subject)
		m.SetBody("text/plain", body)
		m.Attach(req.FilePath, gomail.Rename(fileName))
		return c.dialer.DialAndSend(m)
	})
	if err != nil {
		return c.failed(recipients, policy.MaxAttempts-1, fmt.Errorf("mail delivery failed after %d attempts: %w", attempt, err))
	}

	return Outcome{
		Status:         reports.DeliveryLogStatusSuccess,
		RecipientCount: len(recipients),
		SuccessCount:   len(recipients),
		RetryCount:     attempt - 1,
		FileSize:       fileSize,
		Details: map[string]interface{}{
			"method":     "email",
			"smtp_host":  c.options.Host,
			"smtp_port":  c.options.Port,
			"recipients": recipients,
			"subject":    subject,
		},
	}
}

func (c *MailChannel) failed(recipients []string, retryCount int, err error) Outcome {
	return Outcome{
		Status:         reports.DeliveryLogStatusFailed,
		RecipientCount: len(recipients),
		FailureCount:   len(recipients),
		RetryCount:     retryCount,
		Err:            err,
	}
}

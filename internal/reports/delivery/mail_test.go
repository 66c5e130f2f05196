package delivery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
	"gorm.io/datatypes"

	"report-scheduler/execution-engine/internal/reports"
	"report-scheduler/execution-engine/internal/reports/timerange"
)

type fakeDialer struct {
	failures int
	calls    int
	messages []*gomail.Message
}

func (d *fakeDialer) DialAndSend(m ...*gomail.Message) error {
	d.calls++
	if d.calls <= d.failures {
		return errors.New("smtp unavailable")
	}
	d.messages = append(d.messages, m...)
	return nil
}

func testMailChannel(dialer Dialer) *MailChannel {
	options := SMTPOptions{
		Host:        "smtp.example.com",
		Port:        587,
		FromAddress: "reports@example.com",
		FromName:    "Report Scheduler",
	}
	channel := NewMailChannelWithDialer(options, dialer, zap.NewNop())
	channel.policy = func(maxRetry, intervalMinutes int) Policy {
		if maxRetry <= 0 {
			maxRetry = 3
		}
		return Policy{MaxAttempts: maxRetry, Backoff: zeroBackoff}
	}
	return channel
}

func mailRequest(t *testing.T) *Request {
	t.Helper()
	filePath := filepath.Join(t.TempDir(), "Daily_Report_20251006_020000.csv")
	require.NoError(t, os.WriteFile(filePath, []byte("id,name\n1,alpha\n"), 0o644))

	return &Request{
		Config:      &reports.ReportConfig{ID: 7, ReportName: "Daily Report"},
		ExecutionID: "exec-123",
		FilePath:    filePath,
		Vars: timerange.Variables{
			"date_from": "2025-10-05",
			"date_to":   "2025-10-06",
		},
	}
}

func mailTarget(recipients ...string) *reports.ReportDelivery {
	target := &reports.ReportDelivery{
		ID:                   11,
		ConfigID:             7,
		Method:               reports.DeliveryMethodEmail,
		MaxRetry:             3,
		RetryIntervalMinutes: 5,
	}
	for _, addr := range recipients {
		target.Recipients = append(target.Recipients, reports.ReportDeliveryRecipient{
			RecipientValue: addr,
			IsActive:       true,
		})
	}
	return target
}

func TestMailDeliverSuccess(t *testing.T) {
	dialer := &fakeDialer{}
	channel := testMailChannel(dialer)

	outcome := channel.Deliver(context.Background(), mailTarget("a@example.com", "b@example.com"), mailRequest(t))

	assert.Equal(t, reports.DeliveryLogStatusSuccess, outcome.Status)
	assert.Equal(t, 2, outcome.RecipientCount)
	assert.Equal(t, 2, outcome.SuccessCount)
	assert.Equal(t, 0, outcome.FailureCount)
	assert.Equal(t, 0, outcome.RetryCount)
	assert.NoError(t, outcome.Err)
	assert.Equal(t, int64(len("id,name\n1,alpha\n")), outcome.FileSize)

	assert.Equal(t, "Report: Daily Report", outcome.Details["subject"])
	assert.Equal(t, "smtp.example.com", outcome.Details["smtp_host"])

	require.Len(t, dialer.messages, 1)
	to := dialer.messages[0].GetHeader("To")
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, to)
}

func TestMailDeliverThirdAttemptSucceeds(t *testing.T) {
	dialer := &fakeDialer{failures: 2}
	channel := testMailChannel(dialer)

	outcome := channel.Deliver(context.Background(), mailTarget("a@example.com", "b@example.com"), mailRequest(t))

	assert.Equal(t, reports.DeliveryLogStatusSuccess, outcome.Status)
	assert.Equal(t, 2, outcome.RetryCount)
	assert.Equal(t, 2, outcome.SuccessCount)
	assert.Equal(t, 3, dialer.calls)
}

func TestMailDeliverExhaustsRetries(t *testing.T) {
	dialer := &fakeDialer{failures: 10}
	channel := testMailChannel(dialer)

	outcome := channel.Deliver(context.Background(), mailTarget("a@example.com", "b@example.com"), mailRequest(t))

	assert.Equal(t, reports.DeliveryLogStatusFailed, outcome.Status)
	assert.Equal(t, 2, outcome.RecipientCount)
	assert.Equal(t, 0, outcome.SuccessCount)
	assert.Equal(t, 2, outcome.FailureCount)
	assert.Equal(t, 2, outcome.RetryCount)
	require.Error(t, outcome.Err)
	assert.Contains(t, outcome.Err.Error(), "after 3 attempts")
	assert.Equal(t, 3, dialer.calls)
}

func TestMailDeliverNoActiveRecipients(t *testing.T) {
	dialer := &fakeDialer{}
	channel := testMailChannel(dialer)

	target := mailTarget()
	target.Recipients = []reports.ReportDeliveryRecipient{
		{RecipientValue: "inactive@example.com", IsActive: false},
	}

	outcome := channel.Deliver(context.Background(), target, mailRequest(t))

	assert.Equal(t, reports.DeliveryLogStatusFailed, outcome.Status)
	require.Error(t, outcome.Err)
	assert.Contains(t, outcome.Err.Error(), "no active recipients")
	assert.Zero(t, dialer.calls)
}

func TestMailDeliverTemplatedSubjectAndBody(t *testing.T) {
	dialer := &fakeDialer{}
	channel := testMailChannel(dialer)

	target := mailTarget("a@example.com")
	target.DeliveryConfig = datatypes.JSON(`{
		"subject": "Daily Report {{date_from}}",
		"body": "Data covers {{date_from}} through {{date_to}}."
	}`)

	outcome := channel.Deliver(context.Background(), target, mailRequest(t))

	assert.Equal(t, reports.DeliveryLogStatusSuccess, outcome.Status)
	assert.Equal(t, "Daily Report 2025-10-05", outcome.Details["subject"])
	require.Len(t, dialer.messages, 1)
	assert.Equal(t, []string{"Daily Report 2025-10-05"}, dialer.messages[0].GetHeader("Subject"))
}

func TestMailDeliverInvalidSettings(t *testing.T) {
	dialer := &fakeDialer{}
	channel := testMailChannel(dialer)

	target := mailTarget("a@example.com")
	target.DeliveryConfig = datatypes.JSON(`{not json`)

	outcome := channel.Deliver(context.Background(), target, mailRequest(t))

	assert.Equal(t, reports.DeliveryLogStatusFailed, outcome.Status)
	require.Error(t, outcome.Err)
	assert.Contains(t, outcome.Err.Error(), "invalid mail settings")
	assert.Zero(t, dialer.calls)
}

func TestMailDeliverMissingFile(t *testing.T) {
	dialer := &fakeDialer{}
	channel := testMailChannel(dialer)

	req := mailRequest(t)
	req.FilePath = filepath.Join(t.TempDir(), "missing.csv")

	outcome := channel.Deliver(context.Background(), mailTarget("a@example.com"), req)

	assert.Equal(t, reports.DeliveryLogStatusFailed, outcome.Status)
	require.Error(t, outcome.Err)
	assert.Contains(t, outcome.Err.Error(), "report file unavailable")
	assert.Zero(t, dialer.calls)
}

package reports

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-scheduler/execution-engine/internal/reports/querybuilder"
)

func TestReportParametersScanAndValidate(t *testing.T) {
	raw := []byte(`{
		"date_field": "created_at",
		"filters": [{"field": "status", "operator": "=", "value": "paid"}],
		"filename_template": "daily_{{yesterday}}",
		"display_columns": ["id", "amount"]
	}`)

	var p ReportParameters
	require.NoError(t, p.Scan(raw))

	assert.Equal(t, "created_at", p.DateField)
	require.Len(t, p.Filters, 1)
	assert.Equal(t, "status", p.Filters[0].Field)
	assert.Equal(t, []string{"id", "amount"}, p.DisplayColumns)
	assert.NoError(t, p.Validate())
}

func TestReportParametersScanNull(t *testing.T) {
	p := ReportParameters{DateField: "stale"}
	require.NoError(t, p.Scan(nil))
	assert.Empty(t, p.DateField)
}

func TestReportParametersValidateRejectsEmptyField(t *testing.T) {
	p := ReportParameters{Filters: []querybuilder.Filter{{Operator: "=", Value: "x"}}}
	assert.Error(t, p.Validate())
}

func TestExecutionContextValueNullWhenUnset(t *testing.T) {
	v, err := ExecutionContext{}.Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = ExecutionContext{OriginalQuery: "SELECT 1", FinalQuery: "SELECT 1"}.Value()
	require.NoError(t, err)
	assert.NotNil(t, v)
}

func TestActiveRecipients(t *testing.T) {
	d := &ReportDelivery{Recipients: []ReportDeliveryRecipient{
		{RecipientValue: "ops@example.com", IsActive: true},
		{RecipientValue: "old@example.com", IsActive: false},
		{RecipientValue: "finance@example.com", IsActive: true},
	}}

	assert.Equal(t, []string{"ops@example.com", "finance@example.com"}, d.ActiveRecipients())
}

func TestExecutionStatusTerminal(t *testing.T) {
	assert.True(t, ExecutionStatusCompleted.Terminal())
	assert.True(t, ExecutionStatusFailed.Terminal())
	assert.True(t, ExecutionStatusCancelled.Terminal())
	assert.False(t, ExecutionStatusRunning.Terminal())
	assert.False(t, ExecutionStatusQueued.Terminal())
}

func TestOutputFormatHelpers(t *testing.T) {
	assert.Equal(t, "csv", OutputFormatCSV.Extension())
	assert.Equal(t, "xlsx", OutputFormatXLSX.Extension())
	assert.Equal(t, "text/csv", OutputFormatCSV.ContentType())
	assert.Contains(t, OutputFormatXLSX.ContentType(), "spreadsheetml")
}

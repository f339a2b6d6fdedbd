package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/fiscal"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func TestValidateFormula(t *testing.T) {
	out, _, err := execute(t, "validate-formula", "dailySalary * workedDays")

	require.NoError(t, err)
	assert.Contains(t, out, "valid")
	assert.Contains(t, out, "dailySalary")
	assert.Contains(t, out, "workedDays")
}

func TestValidateFormula_PointsAtTheError(t *testing.T) {
	_, errOut, err := execute(t, "validate-formula", "dailySalary * * 2")

	require.Error(t, err)
	assert.Contains(t, errOut, "^")
}

func TestVerifyAudit_RequiresExactlyOneTarget(t *testing.T) {
	_, _, err := execute(t, "verify-audit")
	assert.Error(t, err)

	_, _, err = execute(t, "verify-audit", "--entry", "a", "--detail", "b")
	assert.Error(t, err)
}

func TestVerifyAudit_UnknownEntry(t *testing.T) {
	t.Setenv("PAYROLL_DATABASE_PATH", filepath.Join(t.TempDir(), "payroll.db"))

	_, _, err := execute(t, "verify-audit", "--entry", "missing")

	assert.ErrorIs(t, err, fiscal.ErrAuditEntryNotFound)
}

func TestLoadCatalog_MergesFile(t *testing.T) {
	base, err := loadCatalog("")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "values.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"values": [{"effective_from": "2030-02-01", "uma_daily": "150.00", "uma_monthly": "4560.00", "smg_daily": "400.00"}]
	}`), 0o600))

	merged, err := loadCatalog(path)
	require.NoError(t, err)
	assert.Len(t, merged.Values, len(base.Values)+1)
	assert.Len(t, merged.Tables, len(base.Tables))

	_, err = loadCatalog(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePlate(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"already canonical", "TN01AB1234", "TN01AB1234"},
		{"TH confusion", "TH01AB1234", "TN01AB1234"},
		{"OL confusion", "OL01AB1234", "DL01AB1234"},
		{"HH confusion", "HH12DE1433", "MH12DE1433"},
		{"TM confusion", "TM09XY0001", "TN09XY0001"},
		{"lowercase and punctuation", "ka 05.mh-2231", "KA05MH-2231"},
		{"spaces stripped", " MH 12 DE 1433 ", "MH12DE1433"},
		{"leading H search", "HZ01AB1234", "MZ01AB1234"},
		{"trailing H search", "UH07AB1234", "UP07AB1234"},
		{"unrecoverable prefix", "XX01AB1234", "XX01AB1234"},
		{"district letters fold to digits", "DLO1AB1234", "DL01AB1234"},
		{"district S and Z", "MHSZAB1234", "MH52AB1234"},
		{"tail folds to digits", "KA01AB12OS", "KA01AB1205"},
		{"tail Z folds", "KA01AB123Z", "KA01AB1232"},
		{"series keeps letters after letter", "DL3CIO1234", "DL3CIO1234"},
		{"series folds after digit", "DL01OB1234", "DL010B1234"},
		{"series folds from index six", "DL01ABOI34", "DL01AB0134"},
		{"state digits fold to letters", "0L01AB1234", "OL01AB1234"},
		{"empty", "", ""},
		{"single char", "1", "I"},
		{"garbage only", "@#$%", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePlate(tt.raw))
		})
	}
}

func TestNormalizePlate_FoldsByPosition(t *testing.T) {
	assert.Equal(t, byte('O'), NormalizePlate("0")[0])
	assert.Equal(t, byte('O'), NormalizePlate("A0")[1])
	assert.Equal(t, byte('0'), NormalizePlate("DLO")[2])
	assert.Equal(t, byte('0'), NormalizePlate("DL1O")[3])
}

func TestNormalizePlate_Idempotent(t *testing.T) {
	inputs := []string{
		"TH01AB1234", "OL01AB1234", "mh12de1433", "KA 05 MH 2231",
		"DL3CAF0001", "UP16BT5555", "GJ01HX9876", "TN-01-AB-1234",
	}
	for _, raw := range inputs {
		once := NormalizePlate(raw)
		assert.Equal(t, once, NormalizePlate(once), "raw=%q", raw)
	}
}

func TestNormalizePlate_Deterministic(t *testing.T) {
	for i := 0; i < 10; i++ {
		assert.Equal(t, "TN01AB1234", NormalizePlate("th 01 ab 1234"))
	}
}

func TestIsStateCode(t *testing.T) {
	assert.True(t, IsStateCode("DL"))
	assert.True(t, IsStateCode("WB"))
	assert.False(t, IsStateCode("TH"))
	assert.False(t, IsStateCode("MM"))
}

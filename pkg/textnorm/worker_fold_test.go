package textnorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFold(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"accents", "Período de Facturación", "periodo de facturacion"},
		{"whitespace", "  Villa   Carlos\tPaz ", "villa carlos paz"},
		{"enye kept as n", "Compañía", "compania"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Fold(tt.input))
		})
	}
}

func TestStripAccentsKeepsCase(t *testing.T) {
	assert.Equal(t, "Cordoba N°1", StripAccents("Córdoba N°1"))
}

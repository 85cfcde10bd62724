package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskIdentifier(t *testing.T) {
	cases := map[string]string{
		"":                 "",
		"DE123456789":      "DE****6789",
		"cus_Nf8adkq2KQ1z": "cus_****KQ1z",
		"12":               "****",
		"GB12":             "GB****",
	}
	for in, want := range cases {
		assert.Equal(t, want, MaskIdentifier(in), in)
	}
}

func TestMaskFieldsOnlyTouchesNamedKeys(t *testing.T) {
	vat := "FR40303265045"
	out := MaskFields(map[string]any{
		"vat_number": &vat,
		"amount":     int64(500),
		"profile":    map[string]any{"vat_number": "IT12345678901"},
		" ":          "dropped",
	}, "vat_number")

	assert.Equal(t, "FR****5045", out["vat_number"])
	assert.Equal(t, int64(500), out["amount"])
	assert.Equal(t, map[string]any{"vat_number": "IT****8901"}, out["profile"])
	assert.NotContains(t, out, " ")
	assert.Nil(t, MaskFields(nil, "vat_number"))
}

package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name     string
		fields   [4]string
		expected string
	}{
		{
			name:     "Basic address",
			fields:   [4]string{"123 Main St", "Springfield", "IL", "62701"},
			expected: "123 MAIN ST SPRINGFIELD IL 62701",
		},
		{
			name:     "Mixed case and whitespace runs",
			fields:   [4]string{"  123   main\tst ", "springfield", "il", "62701"},
			expected: "123 MAIN ST SPRINGFIELD IL 62701",
		},
		{
			name:     "Empty street and city",
			fields:   [4]string{"", "", "CA", "94102"},
			expected: "CA 94102",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Canonicalize(tt.fields[0], tt.fields[1], tt.fields[2], tt.fields[3])
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestCanonicalize_CaseAndWhitespaceInsensitive(t *testing.T) {
	a := Canonicalize("123 Main St", "Springfield", "IL", "62701")
	b := Canonicalize("123   main   st", "springfield", "il", "62701")
	assert.Equal(t, a, b)
	assert.Equal(t, Hash(a), Hash(b))
}

func TestCanonicalize_Idempotent(t *testing.T) {
	once := Canonicalize(" 9  elm dr ", "Austin", "tx", "78701")
	twice := Canonicalize(once, "", "", "")
	assert.Equal(t, once, twice)
}

func TestHash(t *testing.T) {
	h1 := Hash("123 MAIN ST SPRINGFIELD IL 62701")
	h2 := Hash("123 MAIN ST SPRINGFIELD IL 62701")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	// Known SHA-256 of the empty string.
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Hash(""))
}

func TestAddressKey_DifferentTokens(t *testing.T) {
	_, h1 := AddressKey("123 Main St", "Springfield", "IL", "62701")
	_, h2 := AddressKey("124 Main St", "Springfield", "IL", "62701")
	_, h3 := AddressKey("123 Main St", "Springfield", "IL", "62702")
	assert.NotEqual(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}

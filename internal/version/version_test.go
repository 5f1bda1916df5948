package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfo(t *testing.T) {
	v, c, d := Info()
	assert.NotEmpty(t, v)
	assert.NotEmpty(t, c)
	assert.NotEmpty(t, d)
	assert.Equal(t, v, Version())
}

func TestString(t *testing.T) {
	s := String()
	assert.Contains(t, s, Service)
	assert.Contains(t, s, "version="+version)
	assert.Contains(t, s, "commit="+commit)
	assert.Contains(t, s, "date="+date)
}

func TestFields(t *testing.T) {
	fields := Fields()
	assert.Equal(t, Service, fields["service"])
	assert.Equal(t, version, fields["version"])
	assert.Len(t, fields, 4)
}

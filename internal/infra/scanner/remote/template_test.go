package remote

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVarsRender(t *testing.T) {
	v := vars{"name": "my ext", "version": `1.0"beta`}

	assert.Equal(t, "/e/my%20ext/1.0%22beta", v.render("/e/{name}/{version}", url.PathEscape))
	assert.Equal(t, `{"v":"1.0\"beta"}`, v.render(`{"v":"{version}"}`, jsonEscape))
	assert.Equal(t, "{unknown}", v.render("{unknown}", nil))
	assert.Equal(t, "plain", vars{}.render("plain", nil))
}

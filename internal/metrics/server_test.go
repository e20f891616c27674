package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/srte/internal/log"
)

func TestServerExposesMetrics(t *testing.T) {
	PathSwitchesTotal.Inc()

	s := NewServer("127.0.0.1:0", "", log.GetLogger())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	resp, err := http.Get("http://" + s.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "srte_path_switches_total"))
}

func TestServerStopBeforeStart(t *testing.T) {
	s := NewServer(":0", "/m", log.GetLogger())
	assert.NoError(t, s.Stop(context.Background()))
	assert.Nil(t, s.Addr())
}

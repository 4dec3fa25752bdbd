package source

import (
	"errors"
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewChromeSourceRequiresPlaceholder(t *testing.T) {
	t.Parallel()

	_, err := NewChromeSource(ChromeConfig{URLTemplate: "https://registry.example/cases"}, &fixedClock{}, nil)
	require.Error(t, err)
}

func TestNewChromeSourceDefaults(t *testing.T) {
	t.Parallel()

	src, err := NewChromeSource(ChromeConfig{
		URLTemplate: "https://registry.example/cases/%s",
	}, &fixedClock{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(src.Close)

	require.Positive(t, src.cfg.NavigationTimeout)
	require.Nil(t, src.limiter, "no rate limiter unless a budget is configured")
}

func TestNewChromeSourceRateBudget(t *testing.T) {
	t.Parallel()

	src, err := NewChromeSource(ChromeConfig{
		URLTemplate:       "https://registry.example/cases/%s",
		RequestsPerSecond: 2,
	}, &fixedClock{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(src.Close)
	require.NotNil(t, src.limiter)
}

func TestDocumentMetaCapturesDocumentStatusOnly(t *testing.T) {
	t.Parallel()

	meta := newDocumentMeta()
	require.Equal(t, 200, meta.status(), "no event observed defaults to 200")

	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 404},
	})
	require.Equal(t, 200, meta.status(), "subresource statuses are ignored")

	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 404},
	})
	require.Equal(t, 404, meta.status())
}

func TestBrowserDead(t *testing.T) {
	t.Parallel()

	require.False(t, browserDead(nil))
	require.False(t, browserDead(errors.New("navigation timeout")))
	require.True(t, browserDead(errors.New("chrome: context canceled")))
	require.True(t, browserDead(errors.New("websocket url timeout reached")))
}

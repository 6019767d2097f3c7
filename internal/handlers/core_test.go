package handlers

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/extbridge/internal/bridge"
)

type mockBrowser struct {
	mock.Mock
}

func (m *mockBrowser) OpenTab(ctx context.Context, source bridge.WebView, frame bridge.Frame, u *url.URL) error {
	return m.Called(source.ID(), u.String()).Error(0)
}

func (m *mockBrowser) OpenExternal(ctx context.Context, u *url.URL) error {
	return m.Called(u.String()).Error(0)
}

func (m *mockBrowser) CloseTab(ctx context.Context, tabID uint64) error {
	return m.Called(tabID).Error(0)
}

func TestCoreLog(t *testing.T) {
	hs := newHarness(t, nil)

	require.NoError(t, hs.call(t, hs.tab7, CommandCoreLog, "plain").Err)
	require.NoError(t, hs.call(t, hs.bg, CommandCoreLog, "warn", "careful").Err)
	require.NoError(t, hs.call(t, hs.bg, CommandCoreLog, "fatal", "not really").Err)
	require.NoError(t, hs.call(t, hs.bg, CommandCoreLog, nil).Err)

	entries := hs.logs.FilterMessage("Script log").All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "plain", entries[0].ContextMap()["message"])
	assert.Equal(t, uint64(7), entries[0].ContextMap()["tab_id"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[2].Level, "levels above error are capped")

	assert.Equal(t, 1, hs.logs.FilterMessage("Script logged a malformed message").Len())
}

func TestCoreOpen(t *testing.T) {
	browser := &mockBrowser{}
	hs := newHarness(t, browser)
	frame := bridge.Frame{ID: 0, URL: "https://example.com/dir/page.html", Main: true}

	browser.On("OpenTab", "tab7", "https://example.com/dir/next.html").Return(nil).Once()
	browser.On("OpenTab", "tab7", "about:blank").Return(nil).Once()
	browser.On("OpenExternal", "mailto:someone@example.com").Return(nil).Once()
	browser.On("OpenTab", "tab7", "https://elsewhere.org/").Return(errors.New("no tabs left")).Once()

	assert.NoError(t, wait(t, hs.start(hs.tab7, frame, bridge.CommandOpen, map[string]any{"url": "next.html"})).Err)
	assert.NoError(t, wait(t, hs.start(hs.tab7, frame, bridge.CommandOpen, map[string]any{"url": ""})).Err)
	assert.NoError(t, wait(t, hs.start(hs.tab7, frame, bridge.CommandOpen, map[string]any{"url": "mailto:someone@example.com"})).Err)
	r := wait(t, hs.start(hs.tab7, frame, bridge.CommandOpen, map[string]any{"url": "https://elsewhere.org/"}))
	assert.ErrorContains(t, r.Err, "no tabs left")

	browser.AssertExpectations(t)
}

func TestCoreClose(t *testing.T) {
	browser := &mockBrowser{}
	hs := newHarness(t, browser)
	browser.On("CloseTab", uint64(7)).Return(nil).Once()

	assert.NoError(t, wait(t, hs.start(hs.tab7, bridge.Frame{Main: true}, bridge.CommandClose)).Err)
	assert.Error(t, wait(t, hs.start(hs.tab7, bridge.Frame{ID: 4}, bridge.CommandClose)).Err)
	assert.Error(t, wait(t, hs.start(hs.bg, bridge.Frame{Main: true}, bridge.CommandClose)).Err)

	browser.AssertExpectations(t)
}

func TestCoreOpenClose_WithoutBrowser(t *testing.T) {
	hs := newHarness(t, nil)
	assert.ErrorIs(t, hs.call(t, hs.tab7, bridge.CommandOpen, map[string]any{"url": "https://example.com"}).Err, ErrNoBrowserControl)
	assert.ErrorIs(t, hs.call(t, hs.tab7, bridge.CommandClose).Err, ErrNoBrowserControl)
}

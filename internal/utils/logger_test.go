package utils

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogger_LevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	SetDebug(false)
	logger := NewLogger("scanner")
	logger.Debug("隐藏 %d", 1)
	logger.Info("发现开放端口: %d", 22)
	assert.NotContains(t, buf.String(), "隐藏")
	assert.Contains(t, buf.String(), "发现开放端口: 22")
	assert.Contains(t, buf.String(), "component=scanner")

	buf.Reset()
	SetDebug(true)
	defer SetDebug(false)
	logger.With("session", "abc").Debug("进度: %d/%d", 5, 10)
	assert.Contains(t, buf.String(), "进度: 5/10")
	assert.Contains(t, buf.String(), "session=abc")
}

func TestLogger_LogByName(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)
	SetDebug(false)

	logger := NewLogger("session")
	logger.Log("warn", "扫描被取消")
	assert.Contains(t, buf.String(), "level=warning")

	buf.Reset()
	logger.Log("bogus", "未知级别")
	assert.Contains(t, buf.String(), "level=info")
}

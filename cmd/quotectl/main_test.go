package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caesar-terminal/quotesource/internal/quotes/csvsource"
	"github.com/caesar-terminal/quotesource/internal/server"
)

func TestParseFlags(t *testing.T) {
	o, err := parseFlags([]string{"--from", "2006-01-24", "--window", "8", "a.txt", "b.txt"})
	require.NoError(t, err)
	assert.Equal(t, "2006-01-24", o.from)
	assert.Equal(t, 8, o.window)
	assert.Equal(t, []string{"a.txt", "b.txt"}, o.files)

	_, err = parseFlags(nil)
	assert.EqualError(t, err, "no files to replay")

	_, err = parseFlags([]string{"--window", "0", "a.txt"})
	assert.Error(t, err)

	_, err = parseFlags([]string{"--help"})
	assert.ErrorIs(t, err, pflag.ErrHelp)

	o, err = parseFlags([]string{"--ping"})
	require.NoError(t, err)
	assert.True(t, o.ping)
}

func TestRunReplaysUntilEndOfStream(t *testing.T) {
	tr := server.NewWSTransport(server.DefaultWSConfig(), nil)
	srv := httptest.NewServer(tr)
	loop := server.NewEventLoop(tr, server.Options{
		ExchangeID:   "EXCH",
		Loader:       csvsource.NewLoader(),
		PollInterval: 10 * time.Millisecond,
	})
	go loop.Run(context.Background())
	t.Cleanup(func() {
		loop.Stop(time.Second)
		tr.Close()
		srv.Close()
	})

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := run(ctx, options{
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		from:    "2006-01-23",
		to:      "2006-01-25",
		window:  4,
		timeout: 2 * time.Second,
		files:   []string{"../../testdata/GAZP_010101_151231.txt"},
	}, &out, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"EXCH:GAZP candle 2006-01-23 00:00:00 o=239 h=239 l=218.49 c=218.89 v=5078252 period=86400",
		"EXCH:GAZP candle 2006-01-24 00:00:00 o=218.89 h=219.22 l=215.17 c=216.58 v=9822233 period=86400",
		"EXCH:GAZP end-of-stream",
	}, strings.Split(strings.TrimSpace(out.String()), "\n"))
}

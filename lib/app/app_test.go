package app

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/tarancss/waas/lib/config"
	"github.com/tarancss/waas/lib/money"
)

func TestOpenRejectsBadMinGasBalance(t *testing.T) {
	conf := config.Default()
	conf.EncryptionKey = strings.Repeat("ab", 32)

	for in, want := range map[string]error{
		"abc":         money.ErrParse,
		"-1":          money.ErrNegative,
		"1e900000000": money.ErrRange,
	} {
		conf.MinGasBalance = in

		d, err := Open(context.Background(), conf, zap.NewNop())
		assert.ErrorIs(t, err, want, in)
		assert.Nil(t, d, in)
	}
}

package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theguild/guild-engine/internal/feed"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestArchiveTrades_WritesPage(t *testing.T) {
	fp := &fakePutter{}
	a := NewWithClient(fp, "guild-archive", "feed")
	at := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

	trades := []feed.RawTrade{{
		Side:            feed.SideBuy,
		Title:           "Bitcoin to $100k?",
		Size:            decimal.NewFromInt(500),
		Price:           decimal.RequireFromString("0.4"),
		TransactionHash: "0xaa",
	}}
	require.NoError(t, a.ArchiveTrades(context.Background(), "m1", at, trades))

	require.Len(t, fp.inputs, 1)
	in := fp.inputs[0]
	assert.Equal(t, "guild-archive", aws.ToString(in.Bucket))
	assert.Equal(t, "feed/m1/2025/03/04/"+"1741064767000000000.json", aws.ToString(in.Key))
	assert.Equal(t, "application/json", aws.ToString(in.ContentType))

	var page Page
	require.NoError(t, json.Unmarshal(fp.bodies[0], &page))
	assert.Equal(t, "m1", page.MasterID)
	require.Len(t, page.Trades, 1)
	assert.Equal(t, "0xaa", page.Trades[0].TransactionHash)
	assert.True(t, page.Trades[0].Price.Equal(decimal.RequireFromString("0.4")))
}

func TestArchiveTrades_WrapsPutError(t *testing.T) {
	a := NewWithClient(&fakePutter{err: errors.New("access denied")}, "b", "")
	err := a.ArchiveTrades(context.Background(), "m1", time.Now(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestKey_NoPrefix(t *testing.T) {
	a := NewWithClient(nil, "b", "")
	at := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "m9/2025/01/02/1735776000000000000.json", a.Key("m9", at))
}

func TestWithScheme(t *testing.T) {
	assert.Equal(t, "https://minio.local:9000", withScheme("minio.local:9000"))
	assert.Equal(t, "http://localhost:9000", withScheme("http://localhost:9000"))
}

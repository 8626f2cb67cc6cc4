package publish

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collection-gateway/internal/collection"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func TestS3Target(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	tgt := newS3Target("archive", "published", "/releases/", fake)
	ctx := context.Background()

	txID, err := tgt.Begin(ctx)
	require.NoError(t, err)
	for _, item := range testItems {
		require.NoError(t, tgt.Push(ctx, txID, item))
	}

	ok, err := tgt.Verify(ctx, txID)
	require.NoError(t, err)
	assert.False(t, ok, "no manifest before commit")

	require.NoError(t, tgt.Commit(ctx, txID))
	ok, err = tgt.Verify(ctx, txID)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, testItems[0].Data, fake.objects["published/releases/"+txID+"/economy/gdp/data.json"])

	var m Manifest
	require.NoError(t, json.Unmarshal(fake.objects["published/releases/"+txID+"/"+manifestName], &m))
	assert.Equal(t, txID, m.TransactionID)
	assert.Equal(t, []string{"/economy/gdp/data.csv", "/economy/gdp/data.json"}, m.URIs)
}

func TestS3Target_Errors(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	tgt := newS3Target("archive", "published", "", fake)
	ctx := context.Background()

	assert.Error(t, tgt.Push(ctx, "unknown", collection.ContentItem{URI: "/a.json"}))
	assert.Error(t, tgt.Commit(ctx, "unknown"))

	txID, _ := tgt.Begin(ctx)
	fake.putErr = errors.New("access denied")
	assert.ErrorContains(t, tgt.Push(ctx, txID, testItems[0]), "access denied")
}

package paramstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	params  map[string]string
	getErr  error
	batches [][]string
	decrypt []bool
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.decrypt = append(f.decrypt, aws.ToBool(in.WithDecryption))
	v, ok := f.params[aws.ToString(in.Name)]
	if !ok {
		return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name}}, nil
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name, Value: aws.String(v)}}, nil
}

func (f *fakeAPI) GetParameters(_ context.Context, in *ssm.GetParametersInput, _ ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.batches = append(f.batches, append([]string(nil), in.Names...))
	f.decrypt = append(f.decrypt, aws.ToBool(in.WithDecryption))
	out := &ssm.GetParametersOutput{}
	for _, n := range in.Names {
		if v, ok := f.params[n]; ok {
			out.Parameters = append(out.Parameters, types.Parameter{Name: aws.String(n), Value: aws.String(v)})
		} else {
			out.InvalidParameters = append(out.InvalidParameters, n)
		}
	}
	return out, nil
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	c, err := New(api)
	require.NoError(t, err)
	return c
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.ErrorContains(t, err, "must not be nil")
}

func TestGetParameter_Decrypted(t *testing.T) {
	api := &fakeAPI{params: map[string]string{"/facilitator/open-ai-token": `{"token":"sk"}`}}
	v, err := newTestClient(t, api).GetParameter(context.Background(), " /facilitator/open-ai-token ")
	require.NoError(t, err)
	require.Equal(t, `{"token":"sk"}`, v)
	require.Equal(t, []bool{true}, api.decrypt)
}

func TestGetParameter_Errors(t *testing.T) {
	_, err := (&Client{}).GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "not initialized")

	c := newTestClient(t, &fakeAPI{})
	_, err = c.GetParameter(context.Background(), "  ")
	require.ErrorContains(t, err, "required")

	_, err = c.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "missing value")

	_, err = newTestClient(t, &fakeAPI{getErr: errors.New("boom")}).GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "boom")
}

func TestGetParameters_ResolvesAll(t *testing.T) {
	api := &fakeAPI{params: map[string]string{
		"/f/facilitator_prompt":  "You are a game master.",
		"/f/config/openai_model": "gpt-4o-mini",
	}}
	got, err := newTestClient(t, api).GetParameters(context.Background(),
		"/f/facilitator_prompt", "/f/config/openai_model", "/f/facilitator_prompt")
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"/f/facilitator_prompt":  "You are a game master.",
		"/f/config/openai_model": "gpt-4o-mini",
	}, got)
	require.Len(t, api.batches, 1)
	require.Len(t, api.batches[0], 2)
	require.Equal(t, []bool{true}, api.decrypt)
}

func TestGetParameters_Batches(t *testing.T) {
	api := &fakeAPI{params: map[string]string{}}
	var names []string
	for i := 0; i < 23; i++ {
		n := fmt.Sprintf("/p/%02d", i)
		api.params[n] = n
		names = append(names, n)
	}
	got, err := newTestClient(t, api).GetParameters(context.Background(), names...)
	require.NoError(t, err)
	require.Len(t, got, 23)
	require.Len(t, api.batches, 3)
	require.Len(t, api.batches[2], 3)
}

func TestGetParameters_ReportsMissing(t *testing.T) {
	api := &fakeAPI{params: map[string]string{"/p/a": "a"}}
	_, err := newTestClient(t, api).GetParameters(context.Background(), "/p/z", "/p/a", "/p/b")
	require.ErrorContains(t, err, "parameters not found: /p/b, /p/z")
}

func TestGetParameters_Errors(t *testing.T) {
	_, err := (&Client{}).GetParameters(context.Background(), "p")
	require.ErrorContains(t, err, "not initialized")

	_, err = newTestClient(t, &fakeAPI{}).GetParameters(context.Background(), "p", " ")
	require.ErrorContains(t, err, "required")

	_, err = newTestClient(t, &fakeAPI{getErr: errors.New("throttled")}).GetParameters(context.Background(), "p")
	require.ErrorContains(t, err, "throttled")

	got, err := newTestClient(t, &fakeAPI{}).GetParameters(context.Background())
	require.NoError(t, err)
	require.Empty(t, got)
}

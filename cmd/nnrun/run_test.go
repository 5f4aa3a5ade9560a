package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/staticnn/compiler"
	"github.com/sbl8/staticnn/core"
)

func TestParseFloats(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		text string
		want []float32
	}{
		{"1 2 3", []float32{1, 2, 3}},
		{"1,2,  -3.5", []float32{1, 2, -3.5}},
		{"\t0.25\t1e-2 ", []float32{0.25, 0.01}},
	}
	for _, tc := range testCases {
		got, err := parseFloats(tc.text)
		require.NoError(t, err, tc.text)
		assert.Equal(t, tc.want, got, tc.text)
	}
	_, err := parseFloats("1 two 3")
	assert.ErrorContains(t, err, `"two"`)
	assert.Equal(t, "0.5 -1 2.25", formatFloats([]float32{0.5, -1, 2.25}))
}

func TestReadText(t *testing.T) {
	t.Parallel()
	samples, err := readText(strings.NewReader("# header\n1 2\n\n3,4\n"), "in")
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, samples)

	_, err = readText(strings.NewReader("1 2\nx\n"), "in")
	assert.ErrorContains(t, err, "in:2")
}

func TestReadBinary(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "in.bin")
	require.NoError(t, os.WriteFile(path, core.FloatsToBytes([]float32{1, 2, 3, 4, 5, 6}), 0o644))
	samples, err := readBinary(path, 3)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}}, samples)

	_, err = readBinary(path, 4)
	assert.Error(t, err)
}

func TestRunCommand(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := filepath.Join(dir, "net.nn")
	require.NoError(t, os.WriteFile(src, []byte("input x 2\ndense d 2\nsoftmax p\nweights zeros\n"), 0o644))
	model := filepath.Join(dir, "net.snn")
	require.NoError(t, compiler.Compile(src, model))

	for _, workers := range []string{"1", "3"} {
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetIn(strings.NewReader("1 2\n-1 0.5\n"))
		cmd.SetArgs([]string{"run", "--workers", workers, model})
		require.NoError(t, cmd.ExecuteContext(context.Background()))
		assert.Equal(t, "0.5 0.5\n0.5 0.5\n", out.String())
	}

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"report", "--arrays", model})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "p_output_array")

	cmd = newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader("1 2 3\n"))
	cmd.SetArgs([]string{"run", model})
	assert.Error(t, cmd.ExecuteContext(context.Background()))
}

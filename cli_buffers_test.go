package main

import (
	"bytes"
	"testing"
)

// cliBuffers 持有测试期间替换 stdOut/stdErr 的内存缓冲。
type cliBuffers struct {
	out *bytes.Buffer
	err *bytes.Buffer
}

var activeBuffers *cliBuffers

// useBufferWriters 在单个测试内把 CLI 输出重定向到内存，结束时恢复。
func useBufferWriters(t *testing.T) {
	t.Helper()

	buffers := &cliBuffers{out: &bytes.Buffer{}, err: &bytes.Buffer{}}
	prevOut, prevErr, prevBuffers := stdOut, stdErr, activeBuffers
	stdOut, stdErr, activeBuffers = buffers.out, buffers.err, buffers

	t.Cleanup(func() {
		stdOut, stdErr, activeBuffers = prevOut, prevErr, prevBuffers
	})
}

func stdOutBuffer() *bytes.Buffer {
	if activeBuffers == nil {
		return &bytes.Buffer{}
	}
	return activeBuffers.out
}

func stdErrBuffer() *bytes.Buffer {
	if activeBuffers == nil {
		return &bytes.Buffer{}
	}
	return activeBuffers.err
}

package upload

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/upos-tools/go-uploader/upload/line"
	"github.com/upos-tools/go-uploader/upload/upos"
	"github.com/upos-tools/go-uploader/video"
)

// MockPreuploader ...
type MockPreuploader struct {
	mock.Mock
}

// Preupload ...
func (m *MockPreuploader) Preupload(ctx context.Context, l line.Line, f video.File) (upos.Target, error) {
	args := m.Called(ctx, l, f)
	return args.Get(0).(upos.Target), args.Error(1)
}

// GivenPreuploadSucceeds ...
func (m *MockPreuploader) GivenPreuploadSucceeds(target upos.Target) *MockPreuploader {
	m.On("Preupload", mock.Anything, mock.Anything, mock.Anything).Return(target, nil)
	return m
}

// GivenPreuploadFails ...
func (m *MockPreuploader) GivenPreuploadFails(reason error) *MockPreuploader {
	m.On("Preupload", mock.Anything, mock.Anything, mock.Anything).Return(upos.Target{}, reason)
	return m
}

// MockProber ...
type MockProber struct {
	mock.Mock
}

// Probe ...
func (m *MockProber) Probe(ctx context.Context) line.Line {
	args := m.Called(ctx)
	return args.Get(0).(line.Line)
}

//go:build opencv

package stickermaker

import (
	"github.com/menta2k/sticker-maker/pkg/contour"
	"github.com/menta2k/sticker-maker/pkg/contour/opencv"
)

func init() {
	newContourService = func() contour.Service { return opencv.New() }
}

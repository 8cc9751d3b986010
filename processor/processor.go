// Package processor defines the Processor contract, the capability sets
// processors advertise and the pure-Go Imaging processor that runs operation
// lists through the pipeline package.
package processor

import (
	"context"
	"io"

	"github.com/Skryldev/derivcache/core"
	"github.com/Skryldev/derivcache/operation"
)

// Processor executes operation lists against sources of the formats it can
// read. Implementations must be safe for concurrent use.
type Processor interface {
	Name() string
	// AvailableOutputFormats is empty when source cannot be read.
	AvailableOutputFormats(source core.Format) []core.Format
	SupportedFeatures() []Feature
	SupportedQualities() []Quality
	ReadInfo(ctx context.Context, src core.Source) (core.Info, error)
	// Validate checks list against the real image. info.Size() is the
	// source's full size.
	Validate(list *operation.List, info core.Info) error
	// Process writes the encoded derivative of src to w.
	Process(ctx context.Context, list *operation.List, info core.Info, src core.Source, w io.Writer) error
}

// Feature is a capability advertised in protocol-level image information.
type Feature string

const (
	FeatureMirroring         Feature = "mirroring"
	FeatureRegionByPercent   Feature = "regionByPct"
	FeatureRegionByPixels    Feature = "regionByPx"
	FeatureRegionSquare      Feature = "regionSquare"
	FeatureRotationArbitrary Feature = "rotationArbitrary"
	FeatureRotationBy90s     Feature = "rotationBy90s"
	FeatureSizeAboveFull     Feature = "sizeAboveFull"
	FeatureSizeByConfinedWH  Feature = "sizeByConfinedWh"
	FeatureSizeByForcedWH    Feature = "sizeByWh"
	FeatureSizeByHeight      Feature = "sizeByH"
	FeatureSizeByPercent     Feature = "sizeByPct"
	FeatureSizeByWidth       Feature = "sizeByW"
)

// Quality is an output quality keyword.
type Quality string

const (
	QualityDefault Quality = "default"
	QualityColor   Quality = "color"
	QualityGray    Quality = "gray"
	QualityBitonal Quality = "bitonal"
)

// Supports reports whether p can read source and write list's output format.
func Supports(p Processor, source core.Format, list *operation.List) bool {
	for _, f := range p.AvailableOutputFormats(source) {
		if f == list.OutputFormat() {
			return true
		}
	}
	return false
}

// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wire

// MajorState is the coarse parser phase. MinorState (below) is the
// fine-grained, byte-driven step within a MajorState. Both are exposed
// (read-only) for diagnostics; the parser itself drives transitions
// purely off MinorState, exactly as nbio's nbhttp/parser.go drives its
// own flat int8 `state`.
type MajorState int8

const (
	MajorNewHeader MajorState = iota
	MajorFieldLine
	MajorMessageBody
	MajorChunkedBody
	MajorTrailer
	MajorFinished
)

// MinorState enumerates every byte-driven step across all MajorStates.
type MinorState int8

const (
	// MajorNewHeader, request form.
	minorLeadingCRLF MinorState = iota
	minorMethodBefore
	minorMethod
	minorTargetBefore
	minorTarget
	minorRequestVersionBefore
	minorRequestVersion
	minorRequestVersionCR
	minorRequestVersionLF

	// MajorNewHeader, response form.
	minorResponseVersionBefore
	minorResponseVersion
	minorResponseCodeBefore
	minorResponseCode
	minorReasonBefore
	minorReason
	minorReasonCR
	minorReasonLF

	// MajorFieldLine.
	minorFieldNameBefore
	minorFieldName
	minorFieldValueBefore
	minorFieldValue
	minorFieldValueCR
	minorFieldValueLF
	minorHeaderBlankCR

	// MajorMessageBody.
	minorBodyFixed

	// MajorChunkedBody.
	minorChunkSizeBefore
	minorChunkSize
	minorChunkExt
	minorChunkSizeCR
	minorChunkSizeLF
	minorChunkData
	minorChunkDataCR
	minorChunkDataLF

	// MajorTrailer (shares field-line minors above for its syntax, but
	// tracked separately so the parser knows to write into
	// trailer_fields instead of fields).
	minorTrailerFieldNameBefore
	minorTrailerFieldName
	minorTrailerFieldValueBefore
	minorTrailerFieldValue
	minorTrailerFieldValueCR
	minorTrailerFieldValueLF
	minorTrailerBlankCR

	// MajorFinished is terminal for one message; resetForNextMessage
	// resets back to minorLeadingCRLF/minorResponseVersionBefore.
	minorFinished
)

func majorOf(s MinorState) MajorState {
	switch {
	case s <= minorReasonLF:
		return MajorNewHeader
	case s <= minorHeaderBlankCR:
		return MajorFieldLine
	case s == minorBodyFixed:
		return MajorMessageBody
	case s <= minorChunkDataLF:
		return MajorChunkedBody
	case s <= minorTrailerBlankCR:
		return MajorTrailer
	default:
		return MajorFinished
	}
}

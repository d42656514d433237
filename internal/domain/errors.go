package domain

import "errors"

// ErrDiskFull indicates the OS reported no space left on device while
// writing a segment. The queue treats this as a distinct signal to
// trigger emergency cache eviction.
var ErrDiskFull = errors.New("disk full: no space left on device")

// ErrSegmentCorrupt indicates a segment marked Completed has an
// on-disk file shorter than its expected size.
var ErrSegmentCorrupt = errors.New("segment file shorter than expected size")

// ErrMissingURL indicates a proxy request arrived without a url param.
var ErrMissingURL = errors.New("missing url parameter")

// ErrTaskCancelled indicates the task (and all its pending work) was cancelled.
var ErrTaskCancelled = errors.New("task cancelled")

// ErrConfigCorrupt indicates a task's config.json could not be parsed.
var ErrConfigCorrupt = errors.New("task config corrupt")

// ErrMaxSegmentsExceeded indicates contentLength/segmentSize would exceed
// maxSegmentCount even after enlarging the segment size.
var ErrMaxSegmentsExceeded = errors.New("segment count would exceed configured ceiling")

// ErrUpstreamStatus indicates the upstream server returned an unacceptable status code.
var ErrUpstreamStatus = errors.New("unacceptable upstream status")

// ErrShortWrite indicates fewer bytes were written than the segment expected.
var ErrShortWrite = errors.New("short write: fewer bytes than expected")

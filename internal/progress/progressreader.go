package progress

import "io"

// Reader wraps an io.Reader, counts the bytes read through it and reports
// progress via a callback every interval bytes.
type Reader struct {
	reader         io.Reader
	onProgress     func(read int64)
	totalRead      int64 // cumulative total
	lastReport     int64 // bytes since last report
	reportInterval int64 // bytes
}

// NewReader returns a Reader reporting through cb. A nil cb or a
// non-positive interval disables reporting; counting still happens.
func NewReader(r io.Reader, interval int64, cb func(read int64)) *Reader {
	return &Reader{
		reader:         r,
		onProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		if pr.onProgress != nil && pr.reportInterval > 0 && pr.lastReport >= pr.reportInterval {
			pr.onProgress(pr.totalRead)
			pr.lastReport = 0
		}
	}

	return n, err
}

// BytesRead returns the number of bytes read so far.
func (pr *Reader) BytesRead() int64 {
	return pr.totalRead
}

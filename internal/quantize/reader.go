package quantize

import (
	"context"

	"github.com/samcharles93/vitptq/internal/dataset"
	"github.com/samcharles93/vitptq/internal/tensor"
)

// CalibrationDataReader feeds calibration inputs. GetNext returns nil, nil
// when no more data is available; Rewind restarts the stream.
type CalibrationDataReader interface {
	GetNext(ctx context.Context) (map[string]*tensor.Tensor, error)
	Rewind()
}

// DataReader adapts a batch source to a CalibrationDataReader. It stops once
// at least MaxSamples samples have been handed out; the batch that crosses
// the limit is returned whole.
type DataReader struct {
	src        dataset.Source
	maxSamples int
	inputName  string
	seen       int
}

// NewDataReader returns a reader that feeds batches of src as inputName.
func NewDataReader(src dataset.Source, maxSamples int, inputName string) *DataReader {
	r := &DataReader{src: src, maxSamples: maxSamples, inputName: inputName}
	r.Rewind()
	return r
}

func (r *DataReader) GetNext(ctx context.Context) (map[string]*tensor.Tensor, error) {
	if r.seen >= r.maxSamples {
		return nil, nil
	}
	b, err := r.src.Next(ctx)
	if err != nil || b == nil {
		return nil, err
	}
	r.seen += b.Size()
	return map[string]*tensor.Tensor{r.inputName: b.Images}, nil
}

func (r *DataReader) Rewind() {
	r.src.Reset()
	r.seen = 0
}

// Seen reports how many samples were returned since the last rewind.
func (r *DataReader) Seen() int { return r.seen }

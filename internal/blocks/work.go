package blocks

import (
	"time"

	"github.com/ramiqadoumi/go-block-flow/internal/domain"
)

// Work produces the new blocks of one generation call. remaining is the
// block budget left after recovered blocks, or Unlimited.
type Work interface {
	BlockType() domain.BlockType
	Blocks(remaining int) ([]domain.NewBlock, error)
}

// DateRangeWork splits [From, To) into blocks of at most MaxSpan.
type DateRangeWork struct {
	From    time.Time
	To      time.Time
	MaxSpan time.Duration
}

func (DateRangeWork) BlockType() domain.BlockType { return domain.BlockTypeDateRange }

func (w DateRangeWork) Blocks(remaining int) ([]domain.NewBlock, error) {
	ranges, err := SplitDateRange(w.From, w.To, w.MaxSpan, remaining)
	if err != nil {
		return nil, err
	}
	out := make([]domain.NewBlock, len(ranges))
	for i, r := range ranges {
		out[i] = domain.NewBlock{Shape: r}
	}
	return out, nil
}

// NumericRangeWork splits [From, To) into blocks of at most MaxSize values.
type NumericRangeWork struct {
	From    int64
	To      int64
	MaxSize int64
}

func (NumericRangeWork) BlockType() domain.BlockType { return domain.BlockTypeNumericRange }

func (w NumericRangeWork) Blocks(remaining int) ([]domain.NewBlock, error) {
	ranges, err := SplitNumericRange(w.From, w.To, w.MaxSize, remaining)
	if err != nil {
		return nil, err
	}
	out := make([]domain.NewBlock, len(ranges))
	for i, r := range ranges {
		out[i] = domain.NewBlock{Shape: r}
	}
	return out, nil
}

// ListWork chunks encoded Items into blocks of at most MaxBlockSize items,
// attaching Header to every block. The block budget does not truncate a
// list, so no supplied item is dropped.
type ListWork struct {
	Items        [][]byte
	Header       []byte
	MaxBlockSize int
}

func (ListWork) BlockType() domain.BlockType { return domain.BlockTypeList }

func (w ListWork) Blocks(int) ([]domain.NewBlock, error) {
	chunks, err := ChunkList(w.Items, w.MaxBlockSize)
	if err != nil {
		return nil, err
	}
	out := make([]domain.NewBlock, len(chunks))
	for i, chunk := range chunks {
		out[i] = domain.NewBlock{Shape: domain.List{Header: w.Header}, Items: chunk}
	}
	return out, nil
}

// Empty reports whether no items were supplied.
func (w ListWork) Empty() bool { return len(w.Items) == 0 }

// ObjectWork wraps one encoded payload as a single block.
type ObjectWork struct {
	Payload []byte
}

func (ObjectWork) BlockType() domain.BlockType { return domain.BlockTypeObject }

func (w ObjectWork) Blocks(int) ([]domain.NewBlock, error) {
	obj, err := domain.NewObject(w.Payload)
	if err != nil {
		return nil, err
	}
	return []domain.NewBlock{{Shape: obj}}, nil
}

package domain

import "time"

// BlockType discriminates the shape of a Block.
type BlockType string

const (
	BlockTypeDateRange    BlockType = "DATE_RANGE"
	BlockTypeNumericRange BlockType = "NUMERIC_RANGE"
	BlockTypeList         BlockType = "LIST"
	BlockTypeObject       BlockType = "OBJECT"
)

// Valid reports whether t is a known block type.
func (t BlockType) Valid() bool {
	switch t {
	case BlockTypeDateRange, BlockTypeNumericRange, BlockTypeList, BlockTypeObject:
		return true
	}
	return false
}

// Shape is the variant part of a Block. It is implemented only by
// DateRange, NumericRange, List and Object.
type Shape interface {
	BlockType() BlockType
	sealed()
}

// DateRange covers the half-open interval [From, To).
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// NewDateRange validates that from precedes to.
func NewDateRange(from, to time.Time) (DateRange, error) {
	if !from.Before(to) {
		return DateRange{}, &InvalidShapeError{Type: BlockTypeDateRange, Reason: "from must be before to"}
	}
	return DateRange{From: from, To: to}, nil
}

func (DateRange) BlockType() BlockType { return BlockTypeDateRange }
func (DateRange) sealed()              {}

// NumericRange covers the half-open interval [From, To).
type NumericRange struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// NewNumericRange validates that from is less than to.
func NewNumericRange(from, to int64) (NumericRange, error) {
	if from >= to {
		return NumericRange{}, &InvalidShapeError{Type: BlockTypeNumericRange, Reason: "from must be less than to"}
	}
	return NumericRange{From: from, To: to}, nil
}

func (NumericRange) BlockType() BlockType { return BlockTypeNumericRange }
func (NumericRange) sealed()              {}

// Size returns the number of values in the range.
func (r NumericRange) Size() int64 { return r.To - r.From }

// List carries a header replicated onto every block of one generation call.
// Its items are stored as ListBlockItem rows.
type List struct {
	Header []byte `json:"header,omitempty"`
}

func (List) BlockType() BlockType { return BlockTypeList }
func (List) sealed()              {}

// Object wraps a single serialized value.
type Object struct {
	Payload []byte `json:"payload"`
}

// NewObject rejects an empty payload.
func NewObject(payload []byte) (Object, error) {
	if len(payload) == 0 {
		return Object{}, &InvalidShapeError{Type: BlockTypeObject, Reason: "payload is empty"}
	}
	return Object{Payload: payload}, nil
}

func (Object) BlockType() BlockType { return BlockTypeObject }
func (Object) sealed()              {}

// Block is a persisted unit of partitioned work.
type Block struct {
	ID               int64     `json:"id"`
	TaskDefinitionID int64     `json:"task_definition_id"`
	CreatedAt        time.Time `json:"created_at"`
	IsPhantom        bool      `json:"is_phantom"`
	Shape            Shape     `json:"-"`
}

// Type returns the discriminator of the block's shape.
func (b Block) Type() BlockType {
	if b.Shape == nil {
		return ""
	}
	return b.Shape.BlockType()
}

// DateRange returns the shape if the block is a date range.
func (b Block) DateRange() (DateRange, bool) {
	r, ok := b.Shape.(DateRange)
	return r, ok
}

// NumericRange returns the shape if the block is a numeric range.
func (b Block) NumericRange() (NumericRange, bool) {
	r, ok := b.Shape.(NumericRange)
	return r, ok
}

// List returns the shape if the block is a list.
func (b Block) List() (List, bool) {
	l, ok := b.Shape.(List)
	return l, ok
}

// Object returns the shape if the block is an object.
func (b Block) Object() (Object, bool) {
	o, ok := b.Shape.(Object)
	return o, ok
}

// ItemStatus is the processing state of one ListBlockItem.
type ItemStatus string

const (
	ItemPending   ItemStatus = "PENDING"
	ItemCompleted ItemStatus = "COMPLETED"
	ItemFailed    ItemStatus = "FAILED"
)

// ListBlockItem is one value of a List block.
type ListBlockItem struct {
	ID           int64      `json:"id"`
	BlockID      int64      `json:"block_id"`
	Value        []byte     `json:"value"`
	Status       ItemStatus `json:"status"`
	StatusReason string     `json:"status_reason,omitempty"`
	Step         *int       `json:"step,omitempty"`
	LastUpdated  time.Time  `json:"last_updated"`
}

// NewBlock is a block that has not been persisted yet. Items is used only
// for List shapes.
type NewBlock struct {
	Shape Shape
	Items [][]byte
}

// IssuedBlock pairs a block with the execution created for the current run.
type IssuedBlock struct {
	Block     Block          `json:"block"`
	Execution BlockExecution `json:"execution"`
}

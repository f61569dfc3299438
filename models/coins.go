package models

import (
	"fmt"
	"math"
)

// Cost returns quantity × pricePerUnit, or ErrOverflow when the product does
// not fit in an int64. Both operands must be non-negative.
func Cost(quantity, pricePerUnit int64) (int64, error) {
	if quantity < 0 || pricePerUnit < 0 {
		return 0, fmt.Errorf("%w: negative operand %d × %d", ErrInvalidParameters, quantity, pricePerUnit)
	}
	if quantity == 0 || pricePerUnit == 0 {
		return 0, nil
	}
	if quantity > math.MaxInt64/pricePerUnit {
		return 0, fmt.Errorf("%w: %d × %d", ErrOverflow, quantity, pricePerUnit)
	}
	return quantity * pricePerUnit, nil
}

// AddCoins returns a + b, or ErrOverflow. Both operands must be non-negative.
func AddCoins(a, b int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, fmt.Errorf("%w: negative operand %d + %d", ErrInvalidParameters, a, b)
	}
	if a > math.MaxInt64-b {
		return 0, fmt.Errorf("%w: %d + %d", ErrOverflow, a, b)
	}
	return a + b, nil
}

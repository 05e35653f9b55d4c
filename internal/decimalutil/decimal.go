// Package decimalutil centralizes the fixed-point decimal conventions used
// across the core: scale 8, half-to-even rounding, no binary float on any
// money or energy path.
package decimalutil

import (
	"fmt"

	"github.com/shopspring/decimal"

	"energy-exchange-core/internal/domain"
)

// Scale 是所有金额与电量字段的定点精度
const Scale = 8

// ParseScale8 在 API 边界解析一次十进制输入，拒绝非有限精度或超出范围的值
func ParseScale8(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, domain.WrapError(domain.ErrDecimalOverflow,
			fmt.Sprintf("cannot parse decimal %q", raw), err)
	}
	if d.Exponent() < -Scale {
		return decimal.Decimal{}, domain.NewError(domain.ErrDecimalOverflow,
			fmt.Sprintf("decimal %q exceeds scale %d", raw, Scale))
	}
	return RoundBank8(d), nil
}

// RoundBank8 将一个十进制数舍入到 scale 8，使用四舍六入五取偶（银行家舍入）
func RoundBank8(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(Scale)
}

// MulRound8 对两个 scale-8 操作数相乘，乘法会扩大 scale，结果重新舍入回 scale 8
func MulRound8(a, b decimal.Decimal) decimal.Decimal {
	return RoundBank8(a.Mul(b))
}

// RequirePositive 校验一个数量字段为正，且精度不超过 scale 8
func RequirePositive(d decimal.Decimal, field string) error {
	if d.Exponent() < -Scale {
		return domain.NewError(domain.ErrDecimalOverflow,
			fmt.Sprintf("%s exceeds scale %d", field, Scale))
	}
	if !d.IsPositive() {
		return domain.NewError(domain.ErrValidation, fmt.Sprintf("%s must be positive", field))
	}
	return nil
}

// RequireNonNegative 校验一个数量字段非负
func RequireNonNegative(d decimal.Decimal, field string) error {
	if d.IsNegative() {
		return domain.NewError(domain.ErrValidation, fmt.Sprintf("%s must not be negative", field))
	}
	return nil
}

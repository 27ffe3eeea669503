// Package canon converts between component-level values and flat core
// operands following the Canonical ABI.
//
// Lowering turns value.Value arguments into raw core operands, copying
// strings and lists into linear memory through the instance allocator.
// Lifting reads core results back, validating UTF-8, chars and variant
// discriminants on the way.
//
// Flattening:
//
//	bool, u8..u32, s8..s32, char, enum, own, borrow -> i32
//	u64, s64                                        -> i64
//	f32 / f64                                       -> f32 / f64
//	string, list<T>                                 -> i32 ptr, i32 len
//	record, tuple                                   -> fields concatenated
//	variant, option, result                         -> i32 disc, joined payload
//
// Parameters flattening to more than MaxFlatParams values are stored in
// memory and passed as one pointer. Results flattening to more than
// MaxFlatResults values are returned through a pointer.
//
// A failed Lower frees every allocation it made before returning.
package canon

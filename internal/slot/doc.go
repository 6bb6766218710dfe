// Package slot implements the single-writer/multi-reader frame protocol
// over a header ring and its payload pools.
//
// Every header slot starts with an 8-byte commit word: (seq<<1)|1 while
// the producer is writing, seq<<1 once the frame is committed. Readers
// load the word before and after decoding and trust the slot only when
// both loads agree, are even, and carry the sequence the descriptor
// announced.
package slot

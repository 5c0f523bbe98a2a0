// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

// Package transfer implements the chunked blob sub-protocol used to
// move files too large for a single relay frame.
//
// A transfer is four message types on the ordinary envelope:
// blob_start declares id, filename, and size; blob_chunk carries
// 64 KiB slices as base64 with an explicit index; blob_end closes the
// transfer with the chunk count and a BLAKE3 checksum; the receiver
// answers blob_ack. Chunks carry indexes so the receiver detects holes
// and reordering instead of trusting arrival order — a blob_end that
// arrives before every declared chunk fails the transfer, and the
// partial buffer is discarded, never completed with holes.
//
// [Split] produces the outgoing message sequence; [Receiver]
// accumulates incoming transfers per owning connection and releases
// buffers on completion, failure, or connection loss.
package transfer

// Package inference is the boundary to the hosted model API.
//
// Two call kinds are modelled with their own request/response types:
//   - Run: the primary conversational call. It receives instructions, the full
//     transcript and the tool declarations, and returns a list of output items
//     (reasoning, message, function_call).
//   - Complete: the secondary extraction/summarization call. It receives a
//     system prompt and one user payload and returns plain text.
//
// Remote responses are decoded through DecodeOutput, which fails closed with
// ErrInvalidResponse instead of guessing at missing fields.
package inference

// Package embedding applies entity-change batches from the embeddings queue to
// an embedding processor. The handler re-reads entity existence rather than
// trusting the operation carried by the message.
package embedding

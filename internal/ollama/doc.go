// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for communicating with the Ollama API.
//
// It covers the three endpoints the chat backend consumes: /api/tags for
// listing and health, /api/show for model details, and /api/generate for
// streamed generation.
//
// # Key Types
//
//   - Client: HTTP client for Ollama API communication
//   - GenerateRequest: request body for /api/generate
//   - GenerateStream: an open generation response, read chunk by chunk
//   - Event: one decoded signal (token, context, completion, unparseable line)
//   - ClientError: typed error with ErrUnavailable, ErrUpstream and
//     ErrMalformedResponse sentinels
//
// # Usage
//
//	client := ollama.NewClient()
//	stream, err := client.OpenGenerateStream(ctx, ollama.GenerateRequest{
//	    Model:  "llama3.2",
//	    Prompt: "Hello",
//	})
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//	for {
//	    chunk, err := stream.Next()
//	    if err == io.EOF {
//	        break
//	    }
//	    events, _ := ollama.DecodeChunk(chunk)
//	    ...
//	}
//
// Each chunk is decoded independently; see DecodeChunk for the line rules.
package ollama

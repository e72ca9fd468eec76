// Package chat records Twitch IRC chat for live broadcasts so archives keep
// a replayable chat log alongside the video.
//
// It provides two entrypoints:
//   - StartRecorder: connects to Twitch IRC for one channel and persists
//     messages into the chat_messages table with both absolute and relative
//     (to broadcast start) timestamps.
//   - StartAutoRecorder: polls Twitch live status and runs the recorder
//     whenever the channel is broadcasting. Messages are stored under the
//     broadcast's stream id; once the VOD is published the coordinator moves
//     them to the VOD id.
//
// The IRC client needs a bot username and an OAuth token with chat:read
// scope. When TWITCH_OAUTH_TOKEN is not configured, a stored token from the
// oauth_tokens table (provider "twitch") is used instead.
package chat

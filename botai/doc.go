// Package botai implements a Discord chat and image-generation bot.
//
// The bot watches channel messages and decides, per message, whether it
// should answer. Answers are produced by a text-generation provider, using a
// persona (instruction profile), optional search context, and a bounded
// per-user, per-channel conversation history.
//
// Main components:
//
//   - Bot: owns configuration, the Discord session, and all shared state.
//   - Trigger evaluation: [Evaluate] decides whether a message gets a reply.
//   - ConversationStore: bounded history keyed by author and channel.
//   - ActiveChannelRegistry: channels that always get a reply, each bound
//     to a persona, persisted through a [RegistryStore].
//   - ReplyCorrelator: retracts the bot's reply when the message it
//     answered is deleted.
//   - Orchestrator: builds the request, calls the generator, and delivers
//     the result in Discord-sized chunks.
//
// Slash commands cover history clearing, channel activation, DM toggling,
// profile management, and several image-generation commands. An optional
// admin API exposes the registry and conversation state over HTTP.
package botai

// Package pipeline turns accepted webhook events into replies.
//
// HandleMessage reads the customer's recent context, asks the generation
// service for a reply, delivers it and records the exchange. A generation
// failure leaves the customer without a reply but still records the inbound
// message. HandleScheduling renders a business message template for booking
// events, and SendManual delivers operator-written messages.
package pipeline

package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the commissions MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetOrder = mcp.NewTool("get_order",
	mcp.WithDescription(
		"Get a commission order by ID. "+
			"Shows buyer, seller, amount, status, delivery deadline and any dispute details."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID")),
)

var ToolListSessionOrders = mcp.NewTool("list_session_orders",
	mcp.WithDescription(
		"List all commission orders placed in a chat session, oldest first."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The chat session ID")),
)

var ToolAcceptOrder = mcp.NewTool("accept_order",
	mcp.WithDescription(
		"Accept a pending commission order as the seller. "+
			"After accepting, the order must be delivered before its deadline."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID")),
)

var ToolDeliverOrder = mcp.NewTool("deliver_order",
	mcp.WithDescription(
		"Mark an accepted order as delivered, attaching proof links. "+
			"The buyer then validates the delivery or opens a dispute."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID")),
	mcp.WithArray("proof_urls",
		mcp.Description("Links or references proving delivery"),
		mcp.WithStringItems()),
)

var ToolValidateOrder = mcp.NewTool("validate_order",
	mcp.WithDescription(
		"Confirm a delivered order as the buyer. "+
			"This completes the order and releases the escrowed amount to the seller's balance."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID")),
)

var ToolDisputeOrder = mcp.NewTool("dispute_order",
	mcp.WithDescription(
		"Open a dispute on an order. "+
			"Funds stay in escrow until an admin refunds the buyer or pays the seller."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the order is disputed")),
)

var ToolCheckWallet = mcp.NewTool("check_wallet",
	mcp.WithDescription(
		"Check a wallet: withdrawable balance, pending (escrowed) balance, lifetime earnings and withdrawals. "+
			"Defaults to your own wallet."),
	mcp.WithString("user_id",
		mcp.Description("Wallet owner. Omit for the caller's own wallet.")),
)

var ToolListTransactions = mcp.NewTool("list_transactions",
	mcp.WithDescription(
		"List ledger transactions for a wallet, newest first. "+
			"Use the returned cursor to fetch the next page."),
	mcp.WithString("user_id",
		mcp.Description("Wallet owner. Omit for the caller's own wallet.")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous page")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of transactions to return (default 20)")),
)
